package config

import "time"

// Config is the root configuration for a connwatch process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Connection ConnectionConfig `yaml:"connection"`
	Journal    JournalConfig    `yaml:"journal"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig identifies the real-time backend.
type ServerConfig struct {
	URL string `yaml:"url"` // WebSocket endpoint, e.g. wss://rt.example.com/socket
}

// AuthConfig holds the identity used for the handshake. TokenPath, when set,
// is re-read before every reconnect and takes precedence over Token.
type AuthConfig struct {
	UserID    string `yaml:"user_id"`
	Token     string `yaml:"token"`
	TokenPath string `yaml:"token_path"`
}

// ConnectionConfig holds shared connection and reconnect settings.
type ConnectionConfig struct {
	TransportPreference  []string       `yaml:"transport_preference"`
	Reconnection         *bool          `yaml:"reconnection"` // nil means enabled
	MaxReconnectAttempts int            `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration  `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration  `yaml:"reconnect_max_delay"`
	ReconnectJitter      float64        `yaml:"reconnect_jitter"`
	HandshakeTimeout     time.Duration  `yaml:"handshake_timeout"`
	GracePeriod          *time.Duration `yaml:"grace_period"` // nil means DefaultGracePeriod, 0 tears down at once
	PingInterval         time.Duration  `yaml:"ping_interval"`
	PingTimeout          time.Duration  `yaml:"ping_timeout"`
	WriteTimeout         time.Duration  `yaml:"write_timeout"`
	BufferSize           int            `yaml:"buffer_size"`
}

// ReconnectionEnabled reports whether automatic reconnect is on.
func (c ConnectionConfig) ReconnectionEnabled() bool {
	return c.Reconnection == nil || *c.Reconnection
}

// Grace returns the delay between the last release and teardown.
func (c ConnectionConfig) Grace() time.Duration {
	if c.GracePeriod == nil {
		return DefaultGracePeriod
	}
	return *c.GracePeriod
}

// JournalConfig holds the optional state transition journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the diagnostics HTTP server settings. Port 0 disables it.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
