package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/confluxd/conflux/metric"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithName sets the client name reported to the server.
func WithName(name string) Option {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithTimeout sets the connection timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithMaxReconnects sets the reconnect attempt limit. Negative means
// unlimited.
func WithMaxReconnects(n int) Option {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the delay between reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("reconnect wait must be positive, got %v", d)
		}
		c.reconnectWait = d
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("drain timeout must be positive, got %v", d)
		}
		c.drainTimeout = d
		return nil
	}
}

// WithMessageTimeout bounds the context handed to each message handler.
func WithMessageTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("message timeout must be positive, got %v", d)
		}
		c.messageTimeout = d
		return nil
	}
}

// WithCircuitThreshold sets the consecutive-failure count that opens the
// circuit breaker.
func WithCircuitThreshold(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("circuit threshold must be positive, got %d", n)
		}
		c.circuitThreshold = int32(n)
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker cooldown.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("max backoff must be positive, got %v", d)
		}
		c.maxBackoff = d
		return nil
	}
}

// WithMetrics wires the client into the shared pipeline metric set.
func WithMetrics(m *metric.PipelineMetrics) Option {
	return func(c *Client) error {
		c.pipeline = m
		return nil
	}
}
