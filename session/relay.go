package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/aspen-cloud/aspen-sdk/collection"
	"github.com/aspen-cloud/aspen-sdk/errors"
)

// InboxSource consumes a JetStream subject. natsclient.Client implements it.
type InboxSource interface {
	ConsumeStream(ctx context.Context, stream, subject, durable string, handler func(context.Context, []byte) error) error
	StopConsumer(stream, subject string)
}

// InboxSubject is the subject messages for userID in appID are published on.
func InboxSubject(appID, userID string) string {
	return "inbox." + appID + "." + userID
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// relay copies messages from the user's inbox subject into the inbox
// collection. A message is acked once stored.
type relay struct {
	src     InboxSource
	stream  string
	subject string
	durable string
	inbox   *collection.Collection[InboxMessage]
	userID  string
	logger  *slog.Logger
	cancel  context.CancelFunc
	now     func() time.Time
}

func newRelay(src InboxSource, stream, appID, userID string, inbox *collection.Collection[InboxMessage], logger *slog.Logger) *relay {
	return &relay{
		src:     src,
		stream:  stream,
		subject: InboxSubject(appID, userID),
		durable: durableReplacer.Replace("inbox-" + appID + "-" + userID),
		inbox:   inbox,
		userID:  userID,
		logger:  logger.With("subject", InboxSubject(appID, userID)),
		now:     time.Now,
	}
}

func (r *relay) start(ctx context.Context) error {
	if r.stream == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "relay", "start", "stream is required")
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := r.src.ConsumeStream(rctx, r.stream, r.subject, r.durable, r.handle); err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	r.logger.Debug("inbox relay started", "stream", r.stream, "durable", r.durable)
	return nil
}

func (r *relay) handle(ctx context.Context, data []byte) error {
	body := json.RawMessage(data)
	if !json.Valid(body) {
		r.logger.Warn("dropping inbox message with invalid JSON body", "size", len(data))
		return nil
	}
	msg := InboxMessage{
		To:         r.userID,
		ReceivedAt: r.now().UTC().Format(time.RFC3339Nano),
		Body:       body,
	}
	res, err := r.inbox.Add(ctx, msg)
	if err != nil {
		return err
	}
	r.logger.Debug("inbox message stored", "id", res.ID)
	return nil
}

func (r *relay) stop() {
	r.src.StopConsumer(r.stream, r.subject)
	if r.cancel != nil {
		r.cancel()
	}
}
