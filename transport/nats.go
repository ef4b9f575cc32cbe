package transport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aspen-cloud/aspen-sdk/errors"
)

// Publisher is the slice of natsclient.Client the NATS transport needs.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// NATS publishes messages to a JetStream subject per recipient:
//
//	inbox.{appID}.{to}
//
// A message counts as delivered once the stream acknowledged it.
type NATS struct {
	pub   Publisher
	appID string
}

// NewNATS returns a NATS transport publishing through pub.
func NewNATS(pub Publisher, appID string) (*NATS, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATS", "NewNATS", "publisher is required")
	}
	if appID == "" || strings.ContainsAny(appID, ".*> ") {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "NATS", "NewNATS", "invalid app id")
	}
	return &NATS{pub: pub, appID: appID}, nil
}

// Subject returns the subject messages for to are published on.
func (n *NATS) Subject(to string) string {
	return "inbox." + n.appID + "." + to
}

// SubjectFilter matches every inbox subject of the app.
func (n *NATS) SubjectFilter() string {
	return "inbox." + n.appID + ".>"
}

// Deliver implements Transport.
func (n *NATS) Deliver(ctx context.Context, to string, body json.RawMessage) error {
	if to == "" || strings.ContainsAny(to, "*> ") {
		return errors.TransportFailure(to, errors.ErrInvalidRequest)
	}
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	return errors.TransportFailure(to, n.pub.PublishToStream(ctx, n.Subject(to), body))
}
