package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// Config defines session timing and buffering defaults.
type Config struct {
	// ConnectTimeout bounds one host Connect call.
	ConnectTimeout time.Duration
	// SendTimeout bounds one host Send call.
	SendTimeout time.Duration
	// EventBuffer is the initial capacity of the event and mailbox queues.
	EventBuffer int
	// StreamAcceptTimeout bounds how long an announced page stream waits for
	// the host to connect.
	StreamAcceptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      5 * time.Second,
		SendTimeout:         5 * time.Second,
		EventBuffer:         64,
		StreamAcceptTimeout: 15 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("%w: send_timeout must be positive", ErrInvalidConfig)
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("%w: event_buffer must not be negative", ErrInvalidConfig)
	}
	if c.StreamAcceptTimeout <= 0 {
		return fmt.Errorf("%w: stream_accept_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.StreamAcceptTimeout == 0 {
		c.StreamAcceptTimeout = def.StreamAcceptTimeout
	}
	return c
}
