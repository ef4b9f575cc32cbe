package outbox

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/aspen-cloud/aspen-sdk/metric"
)

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records outbox and collection metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *Outbox) {
		o.metrics = m
	}
}

// WithMetricsRegistry records the outbox metrics of registry and registers the
// worker pool metrics with it.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(o *Outbox) {
		o.registry = registry
		if o.metrics == nil {
			o.metrics = registry.CoreMetrics()
		}
	}
}

// WithRateLimit paces deliveries to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(o *Outbox) {
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(r, burst)
	}
}

// WithSweepInterval re-queues messages still SENT every d, covering messages
// dropped on a full queue.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Outbox) {
		o.sweep = d
	}
}

// WithQueueSize bounds the number of queued deliveries. Default 1024.
func WithQueueSize(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithLease makes Start take an expiring single-owner lease stored next to the
// outbox, renewed every ttl/3 and released on Close.
func WithLease(ttl time.Duration) Option {
	return func(o *Outbox) {
		o.leaseTTL = ttl
	}
}
