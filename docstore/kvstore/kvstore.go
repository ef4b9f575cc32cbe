// Package kvstore is a docstore.Store backed by a NATS JetStream key-value
// bucket.
//
// Each document lives under one bucket key, the base64url form of its id, as
// the flat JSON produced by docstore.MarshalDocument. The KV revision of the
// entry is the document revision, so every write is a revision-checked Create
// or Update. Deletes write a tombstone value rather than a KV delete marker,
// which keeps the revision chain and the change feed uniform.
//
// The bucket's stream sequence doubles as the change sequence: Changes watches
// the bucket and reports each entry's revision as ChangeEvent.Seq.
package kvstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/natsclient"
)

// DefaultHistory is the per-key history kept by buckets created with Open.
const DefaultHistory = 5

// Store implements docstore.Store over one KV bucket.
type Store struct {
	kv      *natsclient.KVStore
	indexes docstore.Indexes
	logger  *slog.Logger
	fetch   int

	mu     sync.Mutex
	feeds  map[uint64]*docstore.StreamFeed
	nextID uint64
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFetchConcurrency bounds the parallel reads of AllDocs and Query.
func WithFetchConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.fetch = n
		}
	}
}

// New wraps an existing KV store.
func New(kv *natsclient.KVStore, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		logger: slog.Default(),
		fetch:  8,
		feeds:  make(map[uint64]*docstore.StreamFeed),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "kvstore", "bucket", kv.Bucket())
	return s
}

// Open gets or creates bucket on client and returns a Store over it.
func Open(ctx context.Context, client *natsclient.Client, bucket string, opts ...Option) (*Store, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "aspen documents",
		History:     DefaultHistory,
	})
	if err != nil {
		return nil, errors.Wrap(err, "kvstore", "Open", "create bucket "+bucket)
	}
	return New(client.NewKVStore(kv), opts...), nil
}

// RegisterIndex makes fn queryable under name.
func (s *Store) RegisterIndex(name string, fn docstore.IndexFunc) {
	s.indexes.Register(name, fn)
}

// EncodeKey maps a document id to a valid bucket key.
func EncodeKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// DecodeKey reverses EncodeKey.
func DecodeKey(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode bucket key %q: %w", key, err)
	}
	return string(b), nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, id string) (*docstore.Document, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}
	doc, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Deleted {
		return nil, fmt.Errorf("kvstore get %s: %w", id, errors.ErrNotFound)
	}
	return doc, nil
}

// read returns nil, nil when the key does not exist. Tombstones are returned.
func (s *Store) read(ctx context.Context, id string) (*docstore.Document, error) {
	entry, err := s.kv.Get(ctx, EncodeKey(id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "kvstore", "Get", "read "+id)
	}
	return decodeEntry(id, entry.Value, entry.Revision)
}

func decodeEntry(id string, value []byte, revision uint64) (*docstore.Document, error) {
	doc, err := docstore.UnmarshalDocument(value)
	if err != nil {
		return nil, fmt.Errorf("kvstore decode %s: %w: %w", id, errors.ErrDataCorrupted, err)
	}
	doc.ID = id
	doc.Rev = strconv.FormatUint(revision, 10)
	if doc.Deleted {
		doc.Fields = nil
	}
	return &doc, nil
}

func encodeValue(doc docstore.Document) ([]byte, error) {
	stored := docstore.Document{ID: doc.ID, Deleted: doc.Deleted}
	if !doc.Deleted {
		stored.Fields = docstore.StripReserved(doc.Fields)
	}
	return docstore.MarshalDocument(stored)
}

// Put implements docstore.Store.
func (s *Store) Put(ctx context.Context, doc docstore.Document) (docstore.WriteResult, error) {
	if s.isClosed() {
		return docstore.WriteResult{}, errors.ErrClosed
	}
	if doc.ID == "" {
		return docstore.WriteResult{}, errors.InvalidIDf("doc id cannot be an empty string")
	}
	value, err := encodeValue(doc)
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("%w: %w", errors.ErrInvalidRequest, err)
	}
	key := EncodeKey(doc.ID)

	var rev uint64
	if doc.Rev == "" {
		rev, err = s.create(ctx, doc, key, value)
	} else {
		expected, perr := strconv.ParseUint(doc.Rev, 10, 64)
		if perr != nil {
			return docstore.WriteResult{}, errors.NewConflict(doc.ID)
		}
		rev, err = s.kv.Update(ctx, key, value, expected)
	}
	if err != nil {
		return docstore.WriteResult{}, s.writeError(doc.ID, err)
	}
	return docstore.WriteResult{ID: doc.ID, Rev: strconv.FormatUint(rev, 10)}, nil
}

// create writes a document that must not exist yet. A tombstone counts as
// absent and is overwritten at its current revision.
func (s *Store) create(ctx context.Context, doc docstore.Document, key string, value []byte) (uint64, error) {
	if doc.Deleted {
		current, err := s.read(ctx, doc.ID)
		if err != nil {
			return 0, err
		}
		if current == nil || current.Deleted {
			return 0, fmt.Errorf("kvstore delete %s: %w", doc.ID, errors.ErrNotFound)
		}
		return 0, errors.NewConflict(doc.ID)
	}

	rev, err := s.kv.Create(ctx, key, value)
	if err == nil || !natsclient.IsKVConflictError(err) {
		return rev, err
	}
	entry, gerr := s.kv.Get(ctx, key)
	if gerr != nil {
		if natsclient.IsKVNotFoundError(gerr) {
			return 0, errors.NewConflict(doc.ID)
		}
		return 0, gerr
	}
	current, derr := decodeEntry(doc.ID, entry.Value, entry.Revision)
	if derr != nil {
		return 0, derr
	}
	if !current.Deleted {
		return 0, errors.NewConflict(doc.ID)
	}
	return s.kv.Update(ctx, key, value, entry.Revision)
}

func (s *Store) writeError(id string, err error) error {
	switch {
	case errors.IsConflict(err), errors.IsNotFound(err), errors.IsInvalidID(err),
		errors.Is(err, errors.ErrDataCorrupted):
		return err
	case natsclient.IsKVConflictError(err):
		return errors.NewConflict(id)
	case errors.Is(err, natsclient.ErrKVValueTooLarge):
		return fmt.Errorf("kvstore put %s: %w: %w", id, errors.ErrInvalidRequest, err)
	}
	return errors.WrapTransient(err, "kvstore", "Put", "write "+id)
}

// Post implements docstore.Store.
func (s *Store) Post(ctx context.Context, fields map[string]any) (docstore.WriteResult, error) {
	return s.Put(ctx, docstore.Document{ID: ulid.Make().String(), Fields: fields})
}

// Upsert implements docstore.Store as a revision-checked read-modify-write
// loop. fn may run more than once.
func (s *Store) Upsert(ctx context.Context, id string, fn docstore.UpsertFunc) (docstore.WriteResult, error) {
	if s.isClosed() {
		return docstore.WriteResult{}, errors.ErrClosed
	}
	if id == "" {
		return docstore.WriteResult{}, errors.InvalidIDf("doc id cannot be an empty string")
	}

	var (
		skipped bool
		seen    *docstore.Document
	)
	rev, err := s.kv.UpdateWithRetry(ctx, EncodeKey(id), func(entry *natsclient.KVEntry) ([]byte, error) {
		skipped, seen = false, nil
		if entry != nil {
			doc, err := decodeEntry(id, entry.Value, entry.Revision)
			if err != nil {
				return nil, err
			}
			if !doc.Deleted {
				seen = doc
			}
		}
		var current *docstore.Document
		if seen != nil {
			cp := docstore.CloneDocument(*seen)
			current = &cp
		}
		fields, ok := fn(current)
		if !ok {
			skipped = true
			return nil, nil
		}
		return encodeValue(docstore.Document{ID: id, Fields: fields})
	})
	if err != nil {
		if errors.Is(err, natsclient.ErrKVMaxRetriesExceeded) {
			return docstore.WriteResult{}, &errors.ConflictError{Key: id, Err: err}
		}
		return docstore.WriteResult{}, s.writeError(id, err)
	}
	if skipped {
		if seen == nil {
			return docstore.WriteResult{ID: id}, nil
		}
		return docstore.WriteResult{ID: id, Rev: seen.Rev}, nil
	}
	return docstore.WriteResult{ID: id, Rev: strconv.FormatUint(rev, 10)}, nil
}

// scan reads the latest revision of every id accepted by keep, tombstones
// included, in id order.
func (s *Store) scan(ctx context.Context, keep func(id string) bool) ([]docstore.Document, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "kvstore", "scan", "list keys")
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id, err := DecodeKey(key)
		if err != nil {
			s.logger.Warn("skipping foreign bucket key", "key", key, "error", err)
			continue
		}
		if keep(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	docs := make([]*docstore.Document, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetch)
	for i, id := range ids {
		g.Go(func() error {
			doc, err := s.read(gctx, id)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]docstore.Document, 0, len(docs))
	for _, doc := range docs {
		if doc != nil {
			out = append(out, *doc)
		}
	}
	return out, nil
}

// AllDocs implements docstore.Store.
func (s *Store) AllDocs(ctx context.Context, opts docstore.AllDocsOptions) ([]docstore.Row, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}
	docs, err := s.scan(ctx, func(id string) bool {
		if opts.StartKey != "" && id < opts.StartKey {
			return false
		}
		return opts.EndKey == "" || id <= opts.EndKey
	})
	if err != nil {
		return nil, err
	}

	rows := make([]docstore.Row, 0, len(docs))
	for i := range docs {
		doc := docs[i]
		if doc.Deleted {
			continue
		}
		if opts.Limit > 0 && len(rows) == opts.Limit {
			break
		}
		row := docstore.Row{
			ID:    doc.ID,
			Key:   doc.ID,
			Rev:   doc.Rev,
			Value: map[string]any{"rev": doc.Rev},
		}
		if opts.IncludeDocs {
			row.Doc = &doc
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// BulkDocs implements docstore.Store. Documents are written one after another.
func (s *Store) BulkDocs(ctx context.Context, docs []docstore.Document) ([]docstore.WriteResult, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}
	results := make([]docstore.WriteResult, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			doc.ID = ulid.Make().String()
		}
		res, err := s.Put(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res = docstore.WriteResult{ID: doc.ID, Err: err}
		}
		results[i] = res
	}
	return results, nil
}

// Query implements docstore.Store against indexes added with RegisterIndex.
func (s *Store) Query(ctx context.Context, index string, opts docstore.QueryOptions) ([]docstore.Row, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}
	fn, err := s.indexes.Lookup(index)
	if err != nil {
		return nil, err
	}
	docs, err := s.scan(ctx, func(string) bool { return true })
	if err != nil {
		return nil, err
	}
	return docstore.EvaluateIndex(fn, docs, opts), nil
}

// Changes implements docstore.Store. The bucket watch is established before
// Changes returns, so every write committed afterwards is delivered.
//
// The watch first replays the latest entry of every key and then follows live
// updates. For SinceNow the replay is dropped; for a numeric sequence only
// replayed entries newer than it are kept.
func (s *Store) Changes(ctx context.Context, opts docstore.ChangesOptions) (docstore.Feed, error) {
	var since uint64
	replay := true
	switch opts.Since {
	case docstore.SinceNow:
		replay = false
	case "", docstore.SinceBeginning:
	default:
		n, err := strconv.ParseUint(opts.Since, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("kvstore changes since %q: %w", opts.Since, errors.ErrInvalidRequest)
		}
		since = n
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.ErrClosed
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := s.kv.WatchAll(watchCtx)
	if err != nil {
		cancel()
		return nil, errors.WrapTransient(err, "kvstore", "Changes", "watch bucket")
	}

	feed := docstore.NewStreamFeed(cancel)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = watcher.Stop()
		return nil, errors.ErrClosed
	}
	s.feeds[id] = feed
	s.mu.Unlock()

	f := &follower{
		store:       s,
		watcher:     watcher,
		feed:        feed,
		replay:      replay,
		since:       since,
		includeDocs: opts.IncludeDocs,
	}
	go func() {
		defer s.untrack(id)
		defer cancel()
		f.run(watchCtx)
	}()
	return feed, nil
}

func (s *Store) untrack(id uint64) {
	s.mu.Lock()
	delete(s.feeds, id)
	s.mu.Unlock()
}

// Close stops every live feed. Operations after Close return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := s.feeds
	s.feeds = make(map[uint64]*docstore.StreamFeed)
	s.mu.Unlock()

	for _, feed := range feeds {
		_ = feed.Close()
	}
	return nil
}

// follower turns bucket watch updates into change events.
type follower struct {
	store       *Store
	watcher     jetstream.KeyWatcher
	feed        *docstore.StreamFeed
	replay      bool
	since       uint64
	includeDocs bool
}

func (f *follower) run(ctx context.Context) {
	defer func() { _ = f.watcher.Stop() }()

	live := false
	updates := f.watcher.Updates()
	for {
		select {
		case <-f.feed.Done():
			f.feed.Finish(nil)
			return
		case <-ctx.Done():
			f.feed.Finish(nil)
			return
		case entry, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					f.feed.Finish(nil)
					return
				}
				f.feed.Finish(errors.WrapTransient(errors.ErrConnectionLost, "kvstore", "Changes", "watch ended"))
				return
			}
			if entry == nil {
				live = true
				continue
			}
			if !live && (!f.replay || entry.Revision() <= f.since) {
				continue
			}
			ev, ok := f.event(entry)
			if !ok {
				continue
			}
			if !f.feed.Send(ev) {
				f.feed.Finish(nil)
				return
			}
		}
	}
}

func (f *follower) event(entry jetstream.KeyValueEntry) (docstore.ChangeEvent, bool) {
	id, err := DecodeKey(entry.Key())
	if err != nil {
		f.store.logger.Warn("skipping foreign bucket key", "key", entry.Key(), "error", err)
		return docstore.ChangeEvent{}, false
	}
	ev := docstore.ChangeEvent{
		Seq: strconv.FormatUint(entry.Revision(), 10),
		ID:  id,
		Rev: strconv.FormatUint(entry.Revision(), 10),
	}
	if entry.Operation() != jetstream.KeyValuePut {
		ev.Deleted = true
		if f.includeDocs {
			ev.Doc = &docstore.Document{ID: id, Rev: ev.Rev, Deleted: true}
		}
		return ev, true
	}

	doc, err := decodeEntry(id, entry.Value(), entry.Revision())
	if err != nil {
		f.store.logger.Warn("skipping undecodable change", "id", id, "error", err)
		return docstore.ChangeEvent{}, false
	}
	ev.Deleted = doc.Deleted
	if f.includeDocs {
		ev.Doc = doc
	}
	return ev, true
}
