package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Backend.RestURL == "" {
		return errors.New("backend.rest_url is required")
	}
	if c.Backend.WSURL == "" {
		return errors.New("backend.ws_url is required")
	}
	if !strings.HasPrefix(c.Backend.WSURL, "ws://") && !strings.HasPrefix(c.Backend.WSURL, "wss://") {
		return fmt.Errorf("backend.ws_url must use ws:// or wss://, got %q", c.Backend.WSURL)
	}
	if c.Backend.MaxRetries < 1 {
		return errors.New("backend.max_retries must be >= 1")
	}

	if c.Connection.HandshakeTimeout <= 0 {
		return errors.New("connection.handshake_timeout must be > 0")
	}
	if c.Connection.HeartbeatInterval <= 0 {
		return errors.New("connection.heartbeat_interval must be > 0")
	}
	if c.Connection.ReconnectBaseDelay <= 0 {
		return errors.New("connection.reconnect_base_delay must be > 0")
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return errors.New("connection.reconnect_max_delay must be >= reconnect_base_delay")
	}
	if c.Connection.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if c.Connection.QueueLimit < 1 {
		return errors.New("connection.queue_limit must be >= 1")
	}

	return nil
}
