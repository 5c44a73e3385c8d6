package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  url: wss://rt.example.com/socket
auth:
  user_id: user-42
  token_path: /run/secrets/rt_token
connection:
  transport_preference: [websocket]
  reconnection: false
  max_reconnect_attempts: 3
  reconnect_base_delay: 500ms
  grace_period: 5s
journal:
  enabled: true
  database:
    host: localhost
    port: 5433
    name: connwatch
    user: testuser
    password: testpass
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.URL != "wss://rt.example.com/socket" {
		t.Errorf("Server.URL = %q, want %q", cfg.Server.URL, "wss://rt.example.com/socket")
	}
	if cfg.Auth.UserID != "user-42" {
		t.Errorf("Auth.UserID = %q, want %q", cfg.Auth.UserID, "user-42")
	}
	if cfg.Auth.TokenPath != "/run/secrets/rt_token" {
		t.Errorf("Auth.TokenPath = %q", cfg.Auth.TokenPath)
	}
	if cfg.Connection.ReconnectionEnabled() {
		t.Error("ReconnectionEnabled() = true, want false")
	}
	if cfg.Connection.MaxReconnectAttempts != 3 {
		t.Errorf("MaxReconnectAttempts = %d, want 3", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Connection.ReconnectBaseDelay != 500*time.Millisecond {
		t.Errorf("ReconnectBaseDelay = %v, want 500ms", cfg.Connection.ReconnectBaseDelay)
	}
	if cfg.Connection.Grace() != 5*time.Second {
		t.Errorf("Grace() = %v, want 5s", cfg.Connection.Grace())
	}
	if !cfg.Journal.Enabled || cfg.Journal.Database.Port != 5433 {
		t.Errorf("Journal = %+v", cfg.Journal)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_RT_TOKEN", "secret123")
	t.Setenv("TEST_DB_PASSWORD", "dbsecret")

	yaml := `
server:
  url: ws://localhost:8085/socket
auth:
  user_id: user-1
  token: ${TEST_RT_TOKEN}
journal:
  database:
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.Token != "secret123" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "secret123")
	}
	if cfg.Journal.Database.Password != "dbsecret" {
		t.Errorf("Journal.Database.Password = %q, want %q", cfg.Journal.Database.Password, "dbsecret")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempFile(t, "server: [unterminated")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid yaml")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
server:
  url: ws://localhost:8085/socket
auth:
  user_id: user-1
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if len(cfg.Connection.TransportPreference) != 2 || cfg.Connection.TransportPreference[0] != "websocket" {
		t.Errorf("TransportPreference = %v, want default %v", cfg.Connection.TransportPreference, DefaultTransportPreference)
	}
	if !cfg.Connection.ReconnectionEnabled() {
		t.Error("ReconnectionEnabled() = false, want default true")
	}
	if cfg.Connection.MaxReconnectAttempts != DefaultMaxReconnectAttempts {
		t.Errorf("MaxReconnectAttempts = %d, want default %d", cfg.Connection.MaxReconnectAttempts, DefaultMaxReconnectAttempts)
	}
	if cfg.Connection.ReconnectBaseDelay != DefaultReconnectBaseDelay {
		t.Errorf("ReconnectBaseDelay = %v, want default %v", cfg.Connection.ReconnectBaseDelay, DefaultReconnectBaseDelay)
	}
	if cfg.Connection.ReconnectMaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("ReconnectMaxDelay = %v, want default %v", cfg.Connection.ReconnectMaxDelay, DefaultReconnectMaxDelay)
	}
	if cfg.Connection.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout = %v, want default %v", cfg.Connection.HandshakeTimeout, DefaultHandshakeTimeout)
	}
	if cfg.Connection.Grace() != DefaultGracePeriod {
		t.Errorf("Grace() = %v, want default %v", cfg.Connection.Grace(), DefaultGracePeriod)
	}
	if cfg.Journal.Database.Port != DefaultDBPort {
		t.Errorf("Journal.Database.Port = %d, want default %d", cfg.Journal.Database.Port, DefaultDBPort)
	}
	if cfg.Journal.BatchSize != DefaultJournalBatchSize {
		t.Errorf("Journal.BatchSize = %d, want default %d", cfg.Journal.BatchSize, DefaultJournalBatchSize)
	}
	if cfg.Health.Path != DefaultHealthPath {
		t.Errorf("Health.Path = %q, want default %q", cfg.Health.Path, DefaultHealthPath)
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("Log.Level = %q, want default %q", cfg.Log.Level, DefaultLogLevel)
	}

	// Defaults must not share the package-level slice.
	cfg.Connection.TransportPreference[0] = "changed"
	if DefaultTransportPreference[0] != "websocket" {
		t.Error("applyDefaults aliased DefaultTransportPreference")
	}
}

func TestLoadWithDefaults_ZeroGracePeriod(t *testing.T) {
	yaml := `
server:
  url: ws://localhost:8085/socket
auth:
  user_id: user-1
connection:
  grace_period: 0s
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}
	if cfg.Connection.GracePeriod == nil {
		t.Fatal("GracePeriod = nil, want explicit 0s")
	}
	if cfg.Connection.Grace() != 0 {
		t.Errorf("Grace() = %v, want 0", cfg.Connection.Grace())
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "auth:\n  user_id: user-1\n")

	_, err := LoadAndValidate(path)
	if err == nil || err.Error() != "validate config: server.url is required" {
		t.Errorf("LoadAndValidate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Server: ServerConfig{URL: "wss://rt.example.com/socket"},
			Auth:   AuthConfig{UserID: "user-1", Token: "tok"},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing server url",
			mutate:  func(c *Config) { c.Server.URL = "" },
			wantErr: "server.url is required",
		},
		{
			name:    "http scheme",
			mutate:  func(c *Config) { c.Server.URL = "https://rt.example.com" },
			wantErr: `server.url must use ws or wss, got "https"`,
		},
		{
			name:    "missing user id",
			mutate:  func(c *Config) { c.Auth.UserID = "  " },
			wantErr: "auth.user_id is required",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Connection.MaxReconnectAttempts = -1 },
			wantErr: "connection.max_reconnect_attempts must be >= 1",
		},
		{
			name:    "max delay below base",
			mutate:  func(c *Config) { c.Connection.ReconnectMaxDelay = 500 * time.Millisecond },
			wantErr: "connection.reconnect_max_delay (500ms) cannot be less than reconnect_base_delay (1s)",
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *Config) { c.Connection.ReconnectJitter = 1.5 },
			wantErr: "connection.reconnect_jitter must be between 0 and 1, got 1.5",
		},
		{
			name: "negative grace period",
			mutate: func(c *Config) {
				d := -time.Second
				c.Connection.GracePeriod = &d
			},
			wantErr: "connection.grace_period must be >= 0",
		},
		{
			name: "zero grace period",
			mutate: func(c *Config) {
				var d time.Duration
				c.Connection.GracePeriod = &d
			},
			wantErr: "",
		},
		{
			name:    "empty transport name",
			mutate:  func(c *Config) { c.Connection.TransportPreference = []string{"websocket", ""} },
			wantErr: "connection.transport_preference[1] is empty",
		},
		{
			name:    "journal missing host",
			mutate:  func(c *Config) { c.Journal.Enabled = true },
			wantErr: "journal.database.host is required",
		},
		{
			name: "journal min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Journal.Enabled = true
				c.Journal.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "journal.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "journal disabled ignores database",
			mutate:  func(c *Config) { c.Journal.Database = DBConfig{} },
			wantErr: "",
		},
		{
			name:    "bad health port",
			mutate:  func(c *Config) { c.Health.Port = 70000 },
			wantErr: "health.port must be between 0 and 65535, got 70000",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: `log.level: unknown level "verbose"`,
		},
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
