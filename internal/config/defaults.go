package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 5 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 10 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultOutboundBufferSize   = 1024
	DefaultEventBufferSize      = 1024
	DefaultStrategy             = "fastest"
	DefaultMaxConcurrent        = 3
	DefaultRequestTimeout       = 30 * time.Second
	DefaultCacheStore           = "memory"
	DefaultCacheTTL             = 1 * time.Hour
	DefaultSweepInterval        = 10 * time.Minute
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
)

func (c *Config) applyDefaults() {
	// Connection defaults
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.HeartbeatTimeout == 0 {
		c.Connection.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connection.OutboundBufferSize == 0 {
		c.Connection.OutboundBufferSize = DefaultOutboundBufferSize
	}
	if c.Connection.EventBufferSize == 0 {
		c.Connection.EventBufferSize = DefaultEventBufferSize
	}

	// Streaming defaults
	if c.Streaming.Strategy == "" {
		c.Streaming.Strategy = DefaultStrategy
	}
	if c.Streaming.MaxConcurrent == 0 {
		c.Streaming.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Streaming.RequestTimeout == 0 {
		c.Streaming.RequestTimeout = DefaultRequestTimeout
	}

	// Cache defaults
	if c.Cache.Store == "" {
		c.Cache.Store = DefaultCacheStore
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = DefaultSweepInterval
	}
	if c.Cache.Store == "postgres" {
		if c.Cache.Postgres.Port == 0 {
			c.Cache.Postgres.Port = DefaultDBPort
		}
		if c.Cache.Postgres.SSLMode == "" {
			c.Cache.Postgres.SSLMode = DefaultDBSSLMode
		}
		if c.Cache.Postgres.MaxConns == 0 {
			c.Cache.Postgres.MaxConns = DefaultMaxConns
		}
		if c.Cache.Postgres.MinConns == 0 {
			c.Cache.Postgres.MinConns = DefaultMinConns
		}
	}
}
