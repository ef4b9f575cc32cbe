package collection

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/metric"
	"github.com/aspen-cloud/aspen-sdk/namespace"
	"github.com/aspen-cloud/aspen-sdk/pkg/retry"
)

// Fields is the untyped document schema.
type Fields = map[string]any

// Document is a logical document. Collection and ID are always derived from
// the physical key on read.
type Document[T any] struct {
	ID         string
	Collection string
	Rev        string
	Deleted    bool
	Fields     T
}

// WriteResult reports the outcome of one write. Created is false when
// PutIfNotExists found an existing document.
type WriteResult struct {
	ID         string
	Collection string
	Rev        string
	Created    bool
	Err        error
}

// Row is one entry of GetAll. Doc is set only when documents were requested.
type Row[T any] struct {
	ID         string
	Collection string
	Rev        string
	Doc        *Document[T]
}

// Change is one committed write to the collection.
type Change[T any] struct {
	Seq        string
	ID         string
	Collection string
	Rev        string
	Deleted    bool
	Doc        *Document[T]
}

type options struct {
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Collection or Dispatcher.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records operation metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Collection scopes CRUD and subscriptions to one namespace of a store.
type Collection[T any] struct {
	name       string
	store      docstore.Store
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// New returns the collection called name. dispatcher may be nil when the
// collection is never subscribed to.
func New[T any](store docstore.Store, dispatcher *Dispatcher, name string, opts ...Option) (*Collection[T], error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "collection", "New", "store cannot be nil")
	}
	if err := namespace.ValidateCollection(name); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	return &Collection[T]{
		name:       name,
		store:      store,
		dispatcher: dispatcher,
		logger:     o.logger.With("collection", name),
		metrics:    o.metrics,
	}, nil
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Get returns the document id, or a NotFound error.
func (c *Collection[T]) Get(ctx context.Context, id string) (doc *Document[T], err error) {
	defer func() { c.metrics.RecordCollectionOp(c.name, "get", err) }()

	key, err := namespace.Encode(c.name, id)
	if err != nil {
		return nil, err
	}

	stored, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.decode(stored)
}

// Put creates the document id. It fails with InvalidID for an empty id, before
// any store call, and with a Conflict carrying the physical key when the
// document exists.
func (c *Collection[T]) Put(ctx context.Context, fields T, id string) (res WriteResult, err error) {
	defer func() { c.metrics.RecordCollectionOp(c.name, "put", err) }()

	key, err := namespace.Encode(c.name, id)
	if err != nil {
		return WriteResult{}, err
	}
	m, err := toFields(fields)
	if err != nil {
		return WriteResult{}, err
	}

	out, err := c.store.Put(ctx, docstore.Document{ID: key, Fields: m})
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{ID: id, Collection: c.name, Rev: out.Rev, Created: true}, nil
}

// PutIfNotExists creates the document id unless it already exists, in which
// case nothing is written and the existing revision is returned.
func (c *Collection[T]) PutIfNotExists(ctx context.Context, id string, fields T) (res WriteResult, err error) {
	defer func() { c.metrics.RecordCollectionOp(c.name, "put_if_not_exists", err) }()

	key, err := namespace.Encode(c.name, id)
	if err != nil {
		return WriteResult{}, err
	}
	m, err := toFields(fields)
	if err != nil {
		return WriteResult{}, err
	}

	created := false
	out, err := c.store.Upsert(ctx, key, func(current *docstore.Document) (map[string]any, bool) {
		created = current == nil
		if current != nil {
			return nil, false
		}
		return m, true
	})
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{ID: id, Collection: c.name, Rev: out.Rev, Created: created}, nil
}

// Add creates a document under a new ULID.
func (c *Collection[T]) Add(ctx context.Context, fields T) (WriteResult, error) {
	return c.Put(ctx, fields, ulid.Make().String())
}

// AddAll creates one document per element in a single bulk write. Each result
// carries its own error; one failure does not abort the others.
func (c *Collection[T]) AddAll(ctx context.Context, items []T) (results []WriteResult, err error) {
	defer func() { c.metrics.RecordCollectionOp(c.name, "add_all", err) }()

	results = make([]WriteResult, len(items))
	docs := make([]docstore.Document, 0, len(items))
	positions := make([]int, 0, len(items))

	for i, item := range items {
		id := ulid.Make().String()
		results[i] = WriteResult{ID: id, Collection: c.name}

		key, err := namespace.Encode(c.name, id)
		if err != nil {
			results[i].Err = err
			continue
		}
		m, err := toFields(item)
		if err != nil {
			results[i].Err = err
			continue
		}
		docs = append(docs, docstore.Document{ID: key, Fields: m})
		positions = append(positions, i)
	}

	if len(docs) == 0 {
		return results, nil
	}

	written, err := c.store.BulkDocs(ctx, docs)
	if err != nil {
		return nil, err
	}
	for j, pos := range positions {
		if j >= len(written) {
			results[pos].Err = errors.WrapTransient(errors.ErrStorageUnavailable,
				"collection", "AddAll", "missing bulk result")
			continue
		}
		w := written[j]
		if w.Err != nil {
			results[pos].Err = w.Err
			continue
		}
		results[pos].Rev = w.Rev
		results[pos].Created = true
	}
	return results, nil
}

// GetAll lists the collection in id order.
func (c *Collection[T]) GetAll(ctx context.Context, includeDocs bool) (rows []Row[T], err error) {
	defer func() { c.metrics.RecordCollectionOp(c.name, "get_all", err) }()

	start, end := namespace.Range(c.name)
	stored, err := c.store.AllDocs(ctx, docstore.AllDocsOptions{
		StartKey:    start,
		EndKey:      end,
		IncludeDocs: includeDocs,
	})
	if err != nil {
		return nil, err
	}

	rows = make([]Row[T], 0, len(stored))
	for _, r := range stored {
		if !namespace.InCollection(r.ID, c.name) {
			continue
		}
		key, err := namespace.Decode(r.ID)
		if err != nil {
			continue
		}
		row := Row[T]{ID: key.ID, Collection: key.Collection, Rev: r.Rev}
		if includeDocs && r.Doc != nil {
			doc, err := c.decode(r.Doc)
			if err != nil {
				return nil, err
			}
			row.Doc = doc
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Subscribe calls fn for every change to this collection, in feed order, on
// the dispatcher goroutine. fn must not block.
func (c *Collection[T]) Subscribe(fn func(Change[T])) (*Subscription, error) {
	if c.dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "collection", "Subscribe", "no dispatcher")
	}
	return c.dispatcher.subscribe(c.name, func(ev docstore.ChangeEvent, key namespace.Key) {
		change := Change[T]{
			Seq:        ev.Seq,
			ID:         key.ID,
			Collection: key.Collection,
			Rev:        ev.Rev,
			Deleted:    ev.Deleted,
		}
		if ev.Doc != nil && !ev.Deleted {
			doc, err := c.decode(ev.Doc)
			if err != nil {
				c.logger.Warn("undecodable change", "id", key.ID, "rev", ev.Rev, "error", err)
			} else {
				change.Doc = doc
			}
		}
		fn(change)
	})
}

// Query reads a secondary index of the store. Rows are returned as the store
// produced them; ids are physical keys.
func (c *Collection[T]) Query(ctx context.Context, index string, opts docstore.QueryOptions) ([]docstore.Row, error) {
	rows, err := c.store.Query(ctx, index, opts)
	c.metrics.RecordCollectionOp(c.name, "query", err)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Share records target in the document's "sharing" field. Two lists are
// merged as a union; anything else overwrites. Concurrent writes are retried
// with bounded backoff.
func (c *Collection[T]) Share(ctx context.Context, id string, target any) (res WriteResult, err error) {
	defer func() { c.metrics.RecordCollectionOp(c.name, "share", err) }()

	key, err := namespace.Encode(c.name, id)
	if err != nil {
		return WriteResult{}, err
	}
	next, err := normalize(target)
	if err != nil {
		return WriteResult{}, errors.WrapInvalid(err, "collection", "Share", "encode share target")
	}

	err = retry.Do(ctx, retry.Conflict(errors.IsConflict), func() error {
		doc, err := c.store.Get(ctx, key)
		if err != nil {
			return err
		}
		fields := docstore.CloneFields(doc.Fields)
		if fields == nil {
			fields = make(map[string]any)
		}
		fields["sharing"] = mergeSharing(fields["sharing"], next)

		out, err := c.store.Put(ctx, docstore.Document{ID: key, Rev: doc.Rev, Fields: fields})
		if err != nil {
			return err
		}
		res = WriteResult{ID: id, Collection: c.name, Rev: out.Rev}
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// Update applies fn to the latest revision of id, creating the document when
// it does not exist (prev is nil). Returning false from fn writes nothing.
func (c *Collection[T]) Update(ctx context.Context, id string, fn func(prev *Document[T]) (T, bool)) (res WriteResult, err error) {
	defer func() { c.metrics.RecordCollectionOp(c.name, "update", err) }()

	key, err := namespace.Encode(c.name, id)
	if err != nil {
		return WriteResult{}, err
	}

	var convErr error
	written, fresh := false, false
	out, err := c.store.Upsert(ctx, key, func(current *docstore.Document) (map[string]any, bool) {
		convErr = nil
		written = false
		fresh = current == nil
		var prev *Document[T]
		if current != nil {
			prev, convErr = c.decode(current)
			if convErr != nil {
				return nil, false
			}
		}
		next, ok := fn(prev)
		if !ok {
			return nil, false
		}
		m, err := toFields(next)
		if err != nil {
			convErr = err
			return nil, false
		}
		written = true
		return m, true
	})
	if convErr != nil {
		return WriteResult{}, convErr
	}
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{ID: id, Collection: c.name, Rev: out.Rev, Created: written && fresh}, nil
}

// Replace writes doc over the revision doc.Rev. A stale revision fails with a
// Conflict.
func (c *Collection[T]) Replace(ctx context.Context, doc *Document[T]) (res WriteResult, err error) {
	defer func() { c.metrics.RecordCollectionOp(c.name, "replace", err) }()

	if doc == nil {
		return WriteResult{}, errors.WrapInvalid(errors.ErrInvalidRequest, "collection", "Replace", "nil document")
	}
	if doc.Collection != "" && doc.Collection != c.name {
		return WriteResult{}, errors.InvalidIDf("document of %q written to %q", doc.Collection, c.name)
	}
	key, err := namespace.Encode(c.name, doc.ID)
	if err != nil {
		return WriteResult{}, err
	}
	m, err := toFields(doc.Fields)
	if err != nil {
		return WriteResult{}, err
	}

	out, err := c.store.Put(ctx, docstore.Document{ID: key, Rev: doc.Rev, Fields: m})
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{ID: doc.ID, Collection: c.name, Rev: out.Rev, Created: doc.Rev == ""}, nil
}

// Delete writes a tombstone over the current revision of id.
func (c *Collection[T]) Delete(ctx context.Context, id string) (res WriteResult, err error) {
	defer func() { c.metrics.RecordCollectionOp(c.name, "delete", err) }()

	key, err := namespace.Encode(c.name, id)
	if err != nil {
		return WriteResult{}, err
	}
	cur, err := c.store.Get(ctx, key)
	if err != nil {
		return WriteResult{}, err
	}
	out, err := c.store.Put(ctx, docstore.Document{ID: key, Rev: cur.Rev, Deleted: true})
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{ID: id, Collection: c.name, Rev: out.Rev}, nil
}

func (c *Collection[T]) decode(stored *docstore.Document) (*Document[T], error) {
	key, err := namespace.Decode(stored.ID)
	if err != nil {
		return nil, err
	}
	fields, err := fromFields[T](stored.Fields)
	if err != nil {
		return nil, err
	}
	return &Document[T]{
		ID:         key.ID,
		Collection: key.Collection,
		Rev:        stored.Rev,
		Deleted:    stored.Deleted,
		Fields:     fields,
	}, nil
}
