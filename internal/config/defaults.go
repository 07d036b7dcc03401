package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL              = "http://localhost:8000"
	DefaultWSURL                = "ws://localhost:8000"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultQueueLimit           = 256
)

func (c *Config) applyDefaults() {
	// Backend defaults
	if c.Backend.RestURL == "" {
		c.Backend.RestURL = DefaultRestURL
	}
	if c.Backend.WSURL == "" {
		c.Backend.WSURL = DefaultWSURL
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = DefaultAPITimeout
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = DefaultMaxRetries
	}

	// Connection defaults
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
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
	if c.Connection.QueueLimit == 0 {
		c.Connection.QueueLimit = DefaultQueueLimit
	}
}
