package session

import (
	"context"

	"github.com/aspen-cloud/aspen-sdk/collection"
	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/namespace"
	"github.com/aspen-cloud/aspen-sdk/outbox"
)

// ExchangeIndex is the index listing messages by contact. Rows are keyed
// [contact]: the sender of inbox messages and the recipient of outbox
// messages. CouchDB servers provide it as the view "byContact" of the design
// document "messages".
const ExchangeIndex = "messages/byContact"

// indexRegistrar is implemented by stores that evaluate indexes in process.
type indexRegistrar interface {
	RegisterIndex(name string, fn docstore.IndexFunc)
}

func registerIndexes(store docstore.Store) {
	if r, ok := store.(indexRegistrar); ok {
		r.RegisterIndex(ExchangeIndex, ExchangeIndexFunc)
	}
}

// ExchangeIndexFunc implements ExchangeIndex for in-process stores.
func ExchangeIndexFunc(doc docstore.Document, emit func(key, value any)) {
	key, err := namespace.Decode(doc.ID)
	if err != nil {
		return
	}
	var field string
	switch key.Collection {
	case InboxCollection:
		field = "from"
	case outbox.CollectionName:
		field = "to"
	default:
		return
	}
	if contact, ok := doc.Fields[field].(string); ok && contact != "" {
		emit([]any{contact}, key.Collection)
	}
}

// Messages sends through the outbox and reads the inbox.
type Messages struct {
	outbox *outbox.Outbox
	inbox  *collection.Collection[InboxMessage]
}

// Send queues body for the user called to.
func (m *Messages) Send(ctx context.Context, to string, body any) (collection.WriteResult, error) {
	return m.outbox.Post(ctx, to, body)
}

// Subscribe calls fn for every message arriving in the inbox.
func (m *Messages) Subscribe(fn func(collection.Change[InboxMessage])) (*collection.Subscription, error) {
	return m.inbox.Subscribe(fn)
}

// Exchange returns the messages sent to and received from contact, with
// documents. Row ids are physical keys.
func (m *Messages) Exchange(ctx context.Context, contact string) ([]docstore.Row, error) {
	return m.inbox.Query(ctx, ExchangeIndex, docstore.QueryOptions{
		Key:         []any{contact},
		IncludeDocs: true,
	})
}
