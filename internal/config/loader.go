package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tmachado/chat-fanout/internal/connection"
)

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ManagerConfig converts server and connection settings into the connection
// manager's config.
func (c *Config) ManagerConfig() connection.ManagerConfig {
	return connection.ManagerConfig{
		URL:                  c.Server.URL,
		Protocols:            c.Server.Protocols,
		ConnectTimeout:       c.Connection.ConnectTimeout,
		WriteTimeout:         c.Connection.WriteTimeout,
		HeartbeatInterval:    c.Connection.HeartbeatInterval,
		HeartbeatTimeout:     c.Connection.HeartbeatTimeout,
		ReconnectBaseDelay:   c.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    c.Connection.ReconnectMaxDelay,
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
		OutboundBufferSize:   c.Connection.OutboundBufferSize,
		EventBufferSize:      c.Connection.EventBufferSize,
	}
}
