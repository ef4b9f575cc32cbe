// Package metric provides the Prometheus metrics of the client and an HTTP
// server exposing them.
//
// A MetricsRegistry wraps a private prometheus.Registry that already contains
// the client metrics (Metrics) and the Go runtime collectors. Components such as
// the worker pool register their own collectors through MetricsRegistrar.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry)
//	go server.Start()
//	defer server.Stop(ctx)
//
//	m := registry.CoreMetrics()
//	m.RecordCollectionOp("tasks", "put", err)
//	m.RecordOutboxTransition("DELIVERED")
//
// Every Record method accepts a nil *Metrics, so packages take an optional
// registry and call the methods unconditionally.
//
// Exposed series:
//
//	aspen_collection_operations_total{collection,op,status}
//	aspen_feed_events_total{collection}
//	aspen_feed_subscriptions{collection}
//	aspen_feed_subscriber_panics_total{collection}
//	aspen_outbox_transitions_total{status}
//	aspen_outbox_delivery_duration_seconds{result}
//	aspen_outbox_write_errors_total
//	aspen_outbox_skipped_total{reason}
//	aspen_nats_connected, aspen_nats_reconnects_total, aspen_nats_circuit_breaker
package metric
