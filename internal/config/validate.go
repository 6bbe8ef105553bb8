package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tmachado/chat-fanout/internal/cache"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must use ws:// or wss://, got %q", c.Server.URL)
	}

	if c.Connection.HeartbeatTimeout >= c.Connection.HeartbeatInterval {
		return errors.New("connection.heartbeat_timeout must be shorter than heartbeat_interval")
	}
	if c.Connection.ReconnectBaseDelay > c.Connection.ReconnectMaxDelay {
		return errors.New("connection.reconnect_base_delay cannot exceed reconnect_max_delay")
	}
	if c.Connection.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if c.Connection.OutboundBufferSize < 1 {
		return errors.New("connection.outbound_buffer_size must be >= 1")
	}

	switch c.Streaming.Strategy {
	case "fastest", "best", "consensus":
	default:
		return fmt.Errorf("streaming.strategy must be fastest, best, or consensus, got %q", c.Streaming.Strategy)
	}
	if c.Streaming.MaxConcurrent < 1 {
		return errors.New("streaming.max_concurrent must be >= 1")
	}

	if c.Cache.Enabled {
		switch c.Cache.Store {
		case "memory":
		case "postgres":
			if err := validatePostgres(&c.Cache.Postgres); err != nil {
				return err
			}
		default:
			return fmt.Errorf("cache.store must be memory or postgres, got %q", c.Cache.Store)
		}
	}

	if len(c.Models) == 0 {
		return errors.New("at least one model must be configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d].id is required", i)
		}
		if m.Provider == "" {
			return fmt.Errorf("models[%d].provider is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
	}

	return nil
}

func validatePostgres(db *cache.PostgresConfig) error {
	if db.Host == "" {
		return errors.New("cache.postgres.host is required")
	}
	if db.Name == "" {
		return errors.New("cache.postgres.name is required")
	}
	if db.User == "" {
		return errors.New("cache.postgres.user is required")
	}
	if db.Password == "" {
		return errors.New("cache.postgres.password is required")
	}
	if db.MaxConns < 1 {
		return errors.New("cache.postgres.max_conns must be >= 1")
	}
	if db.MinConns < 0 {
		return errors.New("cache.postgres.min_conns must be >= 0")
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("cache.postgres.min_conns (%d) cannot exceed max_conns (%d)", db.MinConns, db.MaxConns)
	}
	return nil
}
