package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultAuthTimeout          = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultDispatchBuffer       = 1000
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 1 * time.Second
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Stream defaults
	if c.Stream.AuthTimeout == 0 {
		c.Stream.AuthTimeout = DefaultAuthTimeout
	}
	if c.Stream.ReconnectBaseDelay == 0 {
		c.Stream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Stream.ReconnectMaxDelay == 0 {
		c.Stream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Stream.DispatchBuffer == 0 {
		c.Stream.DispatchBuffer = DefaultDispatchBuffer
	}
	if c.Stream.PingTimeout == 0 {
		c.Stream.PingTimeout = DefaultPingTimeout
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = DefaultWriteTimeout
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
