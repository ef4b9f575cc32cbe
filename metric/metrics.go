package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aspen"

// Metrics contains the client-side metrics of collections, feeds and the outbox.
type Metrics struct {
	// Collection metrics
	CollectionOps    *prometheus.CounterVec
	FeedEvents       *prometheus.CounterVec
	Subscriptions    *prometheus.GaugeVec
	SubscriberPanics *prometheus.CounterVec

	// Outbox metrics
	OutboxTransitions *prometheus.CounterVec
	OutboxDeliveries  *prometheus.HistogramVec
	OutboxWriteErrors prometheus.Counter
	OutboxSkipped     *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates unregistered metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CollectionOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collection",
				Name:      "operations_total",
				Help:      "Collection operations by collection, operation and outcome",
			},
			[]string{"collection", "op", "status"},
		),

		FeedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "events_total",
				Help:      "Change events dispatched to collection subscribers",
			},
			[]string{"collection"},
		),

		Subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "subscriptions",
				Help:      "Live subscriptions per collection",
			},
			[]string{"collection"},
		),

		SubscriberPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "subscriber_panics_total",
				Help:      "Subscriber callbacks that panicked",
			},
			[]string{"collection"},
		),

		OutboxTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "transitions_total",
				Help:      "Outbox messages moved to a status (SENT, DELIVERED, REJECTED)",
			},
			[]string{"status"},
		),

		OutboxDeliveries: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "delivery_duration_seconds",
				Help:      "Transport delivery duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),

		OutboxWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "write_errors_total",
				Help:      "Status write-backs that failed after delivery",
			},
		),

		OutboxSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "skipped_total",
				Help:      "Outbox events not dispatched, by reason",
			},
			[]string{"reason"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CollectionOps,
		m.FeedEvents,
		m.Subscriptions,
		m.SubscriberPanics,
		m.OutboxTransitions,
		m.OutboxDeliveries,
		m.OutboxWriteErrors,
		m.OutboxSkipped,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}

// RecordCollectionOp counts one collection operation. A nil receiver is a no-op
// so that callers can run without metrics.
func (m *Metrics) RecordCollectionOp(collection, op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CollectionOps.WithLabelValues(collection, op, status).Inc()
}

// RecordFeedEvent counts an event routed to collection.
func (m *Metrics) RecordFeedEvent(collection string) {
	if m == nil {
		return
	}
	m.FeedEvents.WithLabelValues(collection).Inc()
}

// AddSubscriptions adjusts the live subscription gauge.
func (m *Metrics) AddSubscriptions(collection string, delta int) {
	if m == nil {
		return
	}
	m.Subscriptions.WithLabelValues(collection).Add(float64(delta))
}

// RecordSubscriberPanic counts a recovered callback panic.
func (m *Metrics) RecordSubscriberPanic(collection string) {
	if m == nil {
		return
	}
	m.SubscriberPanics.WithLabelValues(collection).Inc()
}

// RecordOutboxTransition counts a message written with status.
func (m *Metrics) RecordOutboxTransition(status string) {
	if m == nil {
		return
	}
	m.OutboxTransitions.WithLabelValues(status).Inc()
}

// RecordDelivery observes one transport attempt.
func (m *Metrics) RecordDelivery(duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.OutboxDeliveries.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordOutboxWriteError counts a failed status write-back.
func (m *Metrics) RecordOutboxWriteError() {
	if m == nil {
		return
	}
	m.OutboxWriteErrors.Inc()
}

// RecordOutboxSkipped counts an event the processor ignored.
func (m *Metrics) RecordOutboxSkipped(reason string) {
	if m == nil {
		return
	}
	m.OutboxSkipped.WithLabelValues(reason).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.NATSCircuitBreaker.Set(float64(state))
}
