// Package worker provides a generic worker pool.
//
// A Pool runs a fixed number of goroutines over a bounded queue. Submit never
// blocks and returns ErrQueueFull under backpressure; SubmitWait waits for space
// and is meant for bulk producers such as a startup replay. Stop stops intake,
// lets the workers drain the queue and waits for them.
//
// With a single worker items are processed strictly in submission order, which
// the outbox relies on to deliver messages in change-feed order:
//
//	pool := worker.NewPool[string](1, 256, func(ctx context.Context, id string) error {
//	    return deliver(ctx, id)
//	}, worker.WithMetricsRegistry[string](registry, "outbox_delivery"))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Statistics are always tracked with atomics (Stats). Prometheus metrics are
// registered only when WithMetricsRegistry is given. A panicking processor is
// recovered, counted as a failure and logged.
package worker
