// Package natsclient wraps a NATS connection with a circuit breaker and the
// JetStream operations the document store and the inbox transport need.
//
// # Circuit breaker
//
// Every JetStream call reports its outcome. After a threshold of consecutive
// failures (default 5) the circuit opens and calls fail fast with
// ErrCircuitOpen. After the current backoff it half-opens; the backoff doubles
// on every round up to WithMaxBackoff and resets on the first success.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("aspen"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "docs", History: 5})
//	kv := client.NewKVStore(bucket)
//
// # KVStore
//
// KVStore adds revision-checked writes on top of a bucket. Create fails with
// ErrKVKeyExists, Update with ErrKVRevisionMismatch, and UpdateWithRetry runs
// a read-modify-write loop that retries on either:
//
//	rev, err := kv.UpdateWithRetry(ctx, key, func(cur *natsclient.KVEntry) ([]byte, error) {
//	    if cur != nil {
//	        return nil, nil // keep as is
//	    }
//	    return []byte(`{"n":1}`), nil
//	})
//
// # Testing
//
// NewTestClient starts a NATS container through testcontainers and returns a
// connected client; it is used by integration tests behind the integration
// build tag.
package natsclient
