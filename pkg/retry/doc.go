// Package retry provides bounded exponential backoff retry logic.
//
// Two call sites drive its shape: optimistic read-modify-write loops against the
// document store, which only make sense to repeat on a revision conflict, and
// delivery attempts over HTTP, which should be repeated on transient failures but
// never on a 4xx answer.
//
// Retry only on conflicts:
//
//	err := retry.Do(ctx, retry.Conflict(errors.IsConflict), func() error {
//	    doc, err := store.Get(ctx, key)
//	    if err != nil {
//	        return err // not a conflict: returned immediately
//	    }
//	    return store.Put(ctx, merge(doc))
//	})
//
// Give up early on a permanent failure:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    resp, err := client.Do(req)
//	    if err != nil {
//	        return err
//	    }
//	    if resp.StatusCode < 500 {
//	        return retry.NonRetryable(fmt.Errorf("status %d", resp.StatusCode))
//	    }
//	    return fmt.Errorf("status %d", resp.StatusCode)
//	})
//
// Every loop respects context cancellation, both while running fn and during the
// backoff delay. Jitter uses a mutex-protected random source.
package retry
