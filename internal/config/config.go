package config

import (
	"time"

	"github.com/tmachado/chat-fanout/internal/cache"
	"github.com/tmachado/chat-fanout/internal/model"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Cache      CacheConfig      `yaml:"cache"`
	Models     []model.Info     `yaml:"models"`
}

// ServerConfig identifies the chat backend.
type ServerConfig struct {
	URL       string   `yaml:"url"`       // WebSocket URL (e.g., ws://localhost:3000/ws)
	Protocols []string `yaml:"protocols"` // Sub-protocol identifiers
}

// ConnectionConfig holds connection manager tuning.
type ConnectionConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	OutboundBufferSize   int           `yaml:"outbound_buffer_size"`
	EventBufferSize      int           `yaml:"event_buffer_size"`
}

// StreamingConfig holds coordinator defaults.
type StreamingConfig struct {
	Strategy       string        `yaml:"strategy"` // fastest | best | consensus
	MaxConcurrent  int           `yaml:"max_concurrent"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CacheConfig holds response cache settings. Store selects the backend:
// "memory" or "postgres".
type CacheConfig struct {
	Enabled       bool                 `yaml:"enabled"`
	Store         string               `yaml:"store"`
	TTL           time.Duration        `yaml:"ttl"`
	SweepInterval time.Duration        `yaml:"sweep_interval"`
	Postgres      cache.PostgresConfig `yaml:"postgres"`
}
