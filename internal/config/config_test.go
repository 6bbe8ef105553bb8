package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  url: ws://localhost:3000/ws
models:
  - id: gpt-4
    provider: openai
`

func TestLoadAndValidate_AppliesDefaults(t *testing.T) {
	cfg, err := LoadAndValidate(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.Connection.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v, want %v", cfg.Connection.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if cfg.Connection.MaxReconnectAttempts != DefaultMaxReconnectAttempts {
		t.Errorf("MaxReconnectAttempts = %d, want %d", cfg.Connection.MaxReconnectAttempts, DefaultMaxReconnectAttempts)
	}
	if cfg.Streaming.Strategy != DefaultStrategy {
		t.Errorf("Strategy = %q, want %q", cfg.Streaming.Strategy, DefaultStrategy)
	}
	if cfg.Cache.TTL != DefaultCacheTTL {
		t.Errorf("Cache TTL = %v, want %v", cfg.Cache.TTL, DefaultCacheTTL)
	}
	if cfg.Cache.Store != DefaultCacheStore {
		t.Errorf("Cache Store = %q, want %q", cfg.Cache.Store, DefaultCacheStore)
	}
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_CHAT_URL", "ws://chat.internal:9000/ws")

	cfg, err := Load(writeConfig(t, `
server:
  url: ${TEST_CHAT_URL}
models:
  - id: gpt-4
    provider: openai
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.URL != "ws://chat.internal:9000/ws" {
		t.Errorf("URL = %q, env var not expanded", cfg.Server.URL)
	}
}

func TestLoad_ParsesFullConfig(t *testing.T) {
	cfg, err := LoadAndValidate(writeConfig(t, `
server:
  url: wss://chat.example.com/ws
  protocols:
    - chat-v1
connection:
  heartbeat_interval: 10s
  heartbeat_timeout: 2s
  max_reconnect_attempts: 7
streaming:
  strategy: consensus
  max_concurrent: 5
  request_timeout: 45s
cache:
  enabled: true
  store: memory
  ttl: 30m
models:
  - id: gpt-4
    provider: openai
    tier: IA_SUPER
    display_name: GPT-4
  - id: claude-3
    provider: anthropic
    tier: IA_SUPER
`))
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.Connection.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.Connection.HeartbeatInterval)
	}
	if cfg.Streaming.Strategy != "consensus" || cfg.Streaming.MaxConcurrent != 5 {
		t.Errorf("Streaming = %+v", cfg.Streaming)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("Cache TTL = %v", cfg.Cache.TTL)
	}
	if len(cfg.Models) != 2 || cfg.Models[0].DisplayName != "GPT-4" {
		t.Errorf("Models = %+v", cfg.Models)
	}

	mc := cfg.ManagerConfig()
	if mc.URL != "wss://chat.example.com/ws" || mc.MaxReconnectAttempts != 7 {
		t.Errorf("ManagerConfig = %+v", mc)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing server url",
			yaml:    "models:\n  - id: m\n    provider: p\n",
			wantErr: "server.url is required",
		},
		{
			name:    "non websocket scheme",
			yaml:    "server:\n  url: http://x\nmodels:\n  - id: m\n    provider: p\n",
			wantErr: "ws:// or wss://",
		},
		{
			name:    "bad strategy",
			yaml:    "server:\n  url: ws://x\nstreaming:\n  strategy: psychic\nmodels:\n  - id: m\n    provider: p\n",
			wantErr: "streaming.strategy",
		},
		{
			name:    "heartbeat timeout too long",
			yaml:    "server:\n  url: ws://x\nconnection:\n  heartbeat_interval: 5s\n  heartbeat_timeout: 5s\nmodels:\n  - id: m\n    provider: p\n",
			wantErr: "heartbeat_timeout",
		},
		{
			name:    "no models",
			yaml:    "server:\n  url: ws://x\n",
			wantErr: "at least one model",
		},
		{
			name:    "duplicate model",
			yaml:    "server:\n  url: ws://x\nmodels:\n  - id: m\n    provider: p\n  - id: m\n    provider: q\n",
			wantErr: "duplicate model id",
		},
		{
			name:    "model missing provider",
			yaml:    "server:\n  url: ws://x\nmodels:\n  - id: m\n",
			wantErr: "provider is required",
		},
		{
			name:    "postgres cache missing host",
			yaml:    "server:\n  url: ws://x\ncache:\n  enabled: true\n  store: postgres\nmodels:\n  - id: m\n    provider: p\n",
			wantErr: "cache.postgres.host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAndValidate(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [unclosed")); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
