package natsclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/aspen-cloud/aspen-sdk/metric"
)

// ClientOption configures a Client in NewClient. An option that returns an
// error aborts construction.
type ClientOption func(*Client) error

// ConnectionHooks are called on connection state changes. Any hook may be
// nil. Connected runs on the goroutine calling Connect; the others run on
// their own goroutine and must not block the caller for long.
type ConnectionHooks struct {
	Connected    func()
	Disconnected func(err error)
	Reconnected  func()
	Closed       func()
}

// WithConnectionHooks installs hooks for connection state changes.
func WithConnectionHooks(h ConnectionHooks) ClientOption {
	return func(c *Client) error {
		c.hooks = h
		return nil
	}
}

// WithLogger replaces slog.Default. A nil logger is ignored.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics reports connection status, reconnects and circuit state to m.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithName is the client name the server shows in its connection list.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// Reconnect behaviour.

// WithMaxReconnects bounds reconnect attempts. -1 never gives up.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		if n < -1 {
			return fmt.Errorf("max reconnects %d below -1", n)
		}
		c.maxReconnects = n
		return nil
	}
}

func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithTimeout limits the initial dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout limits how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// Circuit breaker.

// WithCircuitBreakerThreshold opens the circuit after n consecutive failures.
// Values below 1 fall back to 5.
func WithCircuitBreakerThreshold(n int32) ClientOption {
	return func(c *Client) error {
		if n < 1 {
			n = 5
		}
		c.circuitThreshold = n
		return nil
	}
}

// WithMaxBackoff caps the open-circuit wait. Values under a second fall back
// to one minute.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// Authentication. Credentials are cleared when the client closes.

func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS secures the connection with cfg. A nil cfg leaves TLS to the URL
// scheme.
func WithTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) error {
		c.tlsConfig = cfg
		return nil
	}
}
