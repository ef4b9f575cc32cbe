// Package docstore defines the revisioned document store contract that
// collections and the outbox are built on.
//
// A Store holds one flat key space of JSON documents. Every write produces a new
// revision, and a write that names a stale revision fails with a conflict. Every
// committed write is also published, in commit order, on the store's change feed.
//
// Three implementations live in sub-packages:
//
//   - memstore: in-process, used by tests and the "memory" backend
//   - kvstore: NATS JetStream key-value bucket
//   - couch: CouchDB compatible HTTP API
package docstore

import (
	"context"
)

// Since values accepted by ChangesOptions.
const (
	// SinceNow starts a feed at the current end of the log.
	SinceNow = "now"
	// SinceBeginning replays the latest change of every document first.
	SinceBeginning = "0"
)

// Document is one stored document. Fields never contain store metadata such as
// "_id" or "_rev".
type Document struct {
	ID      string
	Rev     string
	Deleted bool
	Fields  map[string]any
}

// WriteResult reports the outcome of one document write.
type WriteResult struct {
	ID  string
	Rev string
	Err error
}

// AllDocsOptions selects an inclusive key range.
type AllDocsOptions struct {
	StartKey    string
	EndKey      string
	IncludeDocs bool
	Limit       int // 0 means no limit
}

// Row is one entry of an AllDocs or Query result. For AllDocs, Key is the
// document id; for Query it is the key emitted by the index.
type Row struct {
	ID    string
	Key   any
	Rev   string
	Value any
	Doc   *Document
}

// ChangesOptions configures a change feed.
type ChangesOptions struct {
	// Since is SinceNow, SinceBeginning or a sequence previously seen on an event.
	Since       string
	IncludeDocs bool
}

// ChangeEvent is one committed write.
type ChangeEvent struct {
	Seq     string
	ID      string
	Rev     string
	Deleted bool
	Doc     *Document // set when IncludeDocs was requested
}

// Feed is a live change feed. Events is closed when the feed stops, after which
// Err reports why (nil after Close).
type Feed interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// QueryOptions selects rows of a secondary index. A nil Key means no exact key
// match; StartKey and EndKey bound the range inclusively when non-nil.
type QueryOptions struct {
	Key         any
	StartKey    any
	EndKey      any
	IncludeDocs bool
	Limit       int
}

// UpsertFunc computes the new fields of a document from its current state.
// current is nil when the document does not exist. Returning false skips the
// write.
type UpsertFunc func(current *Document) (map[string]any, bool)

// Store is a revisioned document store.
type Store interface {
	// Get returns the latest revision, or a NotFound error.
	Get(ctx context.Context, id string) (*Document, error)

	// Put creates the document when doc.Rev is empty and otherwise replaces the
	// revision doc.Rev. A Deleted document writes a tombstone. A stale or
	// missing revision fails with a Conflict error carrying doc.ID.
	Put(ctx context.Context, doc Document) (WriteResult, error)

	// Post creates a document under a store generated id.
	Post(ctx context.Context, fields map[string]any) (WriteResult, error)

	// Upsert applies fn to the latest revision, retrying on concurrent writes.
	Upsert(ctx context.Context, id string, fn UpsertFunc) (WriteResult, error)

	// AllDocs lists live documents in key order.
	AllDocs(ctx context.Context, opts AllDocsOptions) ([]Row, error)

	// BulkDocs writes every document independently. The returned slice has one
	// result per input, in order; failures are reported in WriteResult.Err.
	BulkDocs(ctx context.Context, docs []Document) ([]WriteResult, error)

	// Changes opens a change feed. The feed stops when ctx is done or Close is
	// called.
	Changes(ctx context.Context, opts ChangesOptions) (Feed, error)

	// Query reads a secondary index.
	Query(ctx context.Context, index string, opts QueryOptions) ([]Row, error)

	Close() error
}
