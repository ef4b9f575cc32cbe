// Package transport delivers outbox messages to other users.
//
// A Transport is one delivery attempt: it returns nil when the recipient side
// accepted the message and an error otherwise. Errors are not distinguished by
// cause at this layer; the outbox records any failure as REJECTED. Every error
// returned by the adapters here matches errors.ErrTransportFailure.
package transport

import (
	"context"
	"encoding/json"

	"github.com/aspen-cloud/aspen-sdk/errors"
)

// Transport delivers body to the user to.
type Transport interface {
	Deliver(ctx context.Context, to string, body json.RawMessage) error
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, to string, body json.RawMessage) error

// Deliver implements Transport.
func (f Func) Deliver(ctx context.Context, to string, body json.RawMessage) error {
	return errors.TransportFailure(to, f(ctx, to, body))
}

type messageIDKey struct{}

// WithMessageID attaches the outbox message id to ctx. Adapters use it as an
// idempotency key so that a redelivery can be recognized by the recipient.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

// MessageID returns the id attached with WithMessageID.
func MessageID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(messageIDKey{}).(string)
	return id, ok && id != ""
}
