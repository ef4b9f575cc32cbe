// Package outbox implements a durable send queue on top of a collection.
//
// Post stores a message with status SENT. A processor started with Start
// watches the outbox feed, delivers each SENT message once per revision
// through a transport.Transport and writes back DELIVERED or REJECTED with the
// revision it read as precondition. A message never returns to SENT; only
// Retry moves a REJECTED message on, straight to its new outcome.
//
//	ob, err := outbox.New(store, dispatcher, transport.Func(deliver))
//	if err := ob.Start(ctx); err != nil {
//	    return err
//	}
//	defer ob.Close(ctx)
//
//	res, err := ob.Post(ctx, "alice", map[string]any{"text": "hi"})
//
// Start replays every message still SENT, so messages queued while no
// processor was running are delivered on the next start. Delivery is at least
// once: a crash between delivery and write-back leaves the message SENT and it
// is delivered again. Transports receive the message id through
// transport.MessageID so the receiver can deduplicate.
//
// Feed callbacks only queue work; deliveries run on a single worker in queue
// order. Write-back failures are logged and counted and never stop the feed.
package outbox
