package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.WSURL == "" {
		return errors.New("api.ws_url is required")
	}
	if c.API.APIKey == "" {
		return errors.New("api.api_key is required")
	}
	if c.API.SecretKey == "" {
		return errors.New("api.secret_key is required")
	}

	if c.Stream.MaxReconnectAttempts < 1 {
		return errors.New("stream.max_reconnect_attempts must be >= 1")
	}
	if c.Stream.ReconnectBaseDelay > c.Stream.ReconnectMaxDelay {
		return fmt.Errorf("stream.reconnect_base_delay (%v) cannot exceed reconnect_max_delay (%v)",
			c.Stream.ReconnectBaseDelay, c.Stream.ReconnectMaxDelay)
	}

	if err := c.Database.Postgres.validate("database.postgres"); err != nil {
		return err
	}

	if len(c.Recorder.Channels) == 0 {
		return errors.New("recorder.channels must list at least one channel")
	}
	if c.Recorder.BatchSize < 1 {
		return errors.New("recorder.batch_size must be >= 1")
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
