package config

import "time"

// Config is the root configuration for the broker connector.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Stream   StreamConfig   `yaml:"stream"`
	Database DatabaseConfig `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
}

// APIConfig holds broker endpoint and credential settings. Credentials are
// normally supplied via ${VAR} expansion rather than literal values.
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	WSURL      string        `yaml:"ws_url"`
	APIKey     string        `yaml:"api_key"`
	SecretKey  string        `yaml:"secret_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// StreamConfig holds streaming session settings.
type StreamConfig struct {
	AuthTimeout          time.Duration `yaml:"auth_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	DispatchBuffer       int           `yaml:"dispatch_buffer"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig holds the Postgres connection used by the recorder.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
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

// RecorderConfig holds stream recorder settings.
type RecorderConfig struct {
	Channels      []string      `yaml:"channels"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}
