// Package memstore is an in-process docstore.Store.
//
// It keeps every document's latest revision in key order, numbers commits with
// a global sequence and fans committed changes out to live feeds. Each feed has
// its own unbounded queue, so a slow consumer never blocks writers and never
// loses events.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
)

type record struct {
	doc docstore.Document
	seq uint64
	gen int
}

// Store is an in-memory docstore.Store. The zero value is not usable; call New.
type Store struct {
	mu        sync.RWMutex
	docs      map[string]*record
	seq       uint64
	listeners map[uint64]*listener
	nextID    uint64
	closed    bool

	indexes docstore.Indexes
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for feed diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:      make(map[string]*record),
		listeners: make(map[uint64]*listener),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterIndex makes fn queryable under name.
func (s *Store) RegisterIndex(name string, fn docstore.IndexFunc) {
	s.indexes.Register(name, fn)
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, id string) (*docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	rec, ok := s.docs[id]
	if !ok || rec.doc.Deleted {
		return nil, fmt.Errorf("memstore get %s: %w", id, errors.ErrNotFound)
	}
	doc := docstore.CloneDocument(rec.doc)
	return &doc, nil
}

// Put implements docstore.Store.
func (s *Store) Put(ctx context.Context, doc docstore.Document) (docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return docstore.WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(doc)
}

// Post implements docstore.Store.
func (s *Store) Post(ctx context.Context, fields map[string]any) (docstore.WriteResult, error) {
	return s.Put(ctx, docstore.Document{ID: ulid.Make().String(), Fields: fields})
}

// Upsert implements docstore.Store. The transform runs under the store lock,
// so it never races with another writer.
func (s *Store) Upsert(ctx context.Context, id string, fn docstore.UpsertFunc) (docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return docstore.WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.WriteResult{}, errors.ErrClosed
	}

	var current *docstore.Document
	rev := ""
	if rec, ok := s.docs[id]; ok {
		rev = rec.doc.Rev
		if !rec.doc.Deleted {
			cp := docstore.CloneDocument(rec.doc)
			current = &cp
		}
	}

	fields, ok := fn(current)
	if !ok {
		if current == nil {
			return docstore.WriteResult{ID: id}, nil
		}
		return docstore.WriteResult{ID: id, Rev: current.Rev}, nil
	}
	if current == nil {
		rev = ""
	}
	return s.putLocked(docstore.Document{ID: id, Rev: rev, Fields: fields})
}

// AllDocs implements docstore.Store.
func (s *Store) AllDocs(ctx context.Context, opts docstore.AllDocsOptions) ([]docstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	ids := make([]string, 0, len(s.docs))
	for id, rec := range s.docs {
		if rec.doc.Deleted {
			continue
		}
		if opts.StartKey != "" && id < opts.StartKey {
			continue
		}
		if opts.EndKey != "" && id > opts.EndKey {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}

	rows := make([]docstore.Row, 0, len(ids))
	for _, id := range ids {
		rec := s.docs[id]
		row := docstore.Row{
			ID:    id,
			Key:   id,
			Rev:   rec.doc.Rev,
			Value: map[string]any{"rev": rec.doc.Rev},
		}
		if opts.IncludeDocs {
			doc := docstore.CloneDocument(rec.doc)
			row.Doc = &doc
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// BulkDocs implements docstore.Store.
func (s *Store) BulkDocs(ctx context.Context, docs []docstore.Document) ([]docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	results := make([]docstore.WriteResult, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			doc.ID = ulid.Make().String()
		}
		res, err := s.putLocked(doc)
		if err != nil {
			res = docstore.WriteResult{ID: doc.ID, Err: err}
		}
		results[i] = res
	}
	return results, nil
}

// Query implements docstore.Store against indexes added with RegisterIndex.
func (s *Store) Query(ctx context.Context, index string, opts docstore.QueryOptions) ([]docstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn, err := s.indexes.Lookup(index)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	docs := make([]docstore.Document, 0, len(s.docs))
	for _, rec := range s.docs {
		docs = append(docs, rec.doc)
	}
	s.mu.RUnlock()

	return docstore.EvaluateIndex(fn, docs, opts), nil
}

// Changes implements docstore.Store. The feed is registered before Changes
// returns, so every write committed afterwards is delivered.
func (s *Store) Changes(ctx context.Context, opts docstore.ChangesOptions) (docstore.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	var backlog []docstore.ChangeEvent
	switch opts.Since {
	case docstore.SinceNow:
	case "", docstore.SinceBeginning:
		backlog = s.changesSinceLocked(0, opts.IncludeDocs)
	default:
		since, err := strconv.ParseUint(opts.Since, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("memstore changes since %q: %w", opts.Since, errors.ErrInvalidRequest)
		}
		backlog = s.changesSinceLocked(since, opts.IncludeDocs)
	}

	s.nextID++
	id := s.nextID
	l := newListener(opts.IncludeDocs, backlog, func() { s.removeListener(id) })
	s.listeners[id] = l
	go l.run(ctx)
	return l.feed, nil
}

// Close stops every live feed. Later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = make(map[uint64]*listener)
	s.mu.Unlock()

	for _, l := range listeners {
		l.stop()
	}
	return nil
}

// Len returns the number of live documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.docs {
		if !rec.doc.Deleted {
			n++
		}
	}
	return n
}

func (s *Store) putLocked(doc docstore.Document) (docstore.WriteResult, error) {
	if s.closed {
		return docstore.WriteResult{}, errors.ErrClosed
	}
	if doc.ID == "" {
		return docstore.WriteResult{}, errors.InvalidIDf("doc id cannot be an empty string")
	}

	rec, exists := s.docs[doc.ID]
	switch {
	case doc.Rev == "" && exists && !rec.doc.Deleted:
		return docstore.WriteResult{}, errors.NewConflict(doc.ID)
	case doc.Rev != "" && (!exists || rec.doc.Rev != doc.Rev):
		return docstore.WriteResult{}, errors.NewConflict(doc.ID)
	}

	gen := 1
	if exists {
		gen = rec.gen + 1
	}
	if doc.Deleted && !exists {
		return docstore.WriteResult{}, fmt.Errorf("memstore delete %s: %w", doc.ID, errors.ErrNotFound)
	}

	s.seq++
	next := &record{
		doc: docstore.Document{
			ID:      doc.ID,
			Rev:     newRev(gen),
			Deleted: doc.Deleted,
		},
		seq: s.seq,
		gen: gen,
	}
	if !doc.Deleted {
		next.doc.Fields = docstore.StripReserved(docstore.CloneFields(doc.Fields))
	}
	s.docs[doc.ID] = next

	for _, l := range s.listeners {
		l.push(s.eventFor(next, l.includeDocs))
	}
	return docstore.WriteResult{ID: doc.ID, Rev: next.doc.Rev}, nil
}

func (s *Store) eventFor(rec *record, includeDocs bool) docstore.ChangeEvent {
	ev := docstore.ChangeEvent{
		Seq:     strconv.FormatUint(rec.seq, 10),
		ID:      rec.doc.ID,
		Rev:     rec.doc.Rev,
		Deleted: rec.doc.Deleted,
	}
	if includeDocs {
		doc := docstore.CloneDocument(rec.doc)
		ev.Doc = &doc
	}
	return ev
}

func (s *Store) changesSinceLocked(since uint64, includeDocs bool) []docstore.ChangeEvent {
	recs := make([]*record, 0, len(s.docs))
	for _, rec := range s.docs {
		if rec.seq > since {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	events := make([]docstore.ChangeEvent, len(recs))
	for i, rec := range recs {
		events[i] = s.eventFor(rec, includeDocs)
	}
	return events
}

func (s *Store) removeListener(id uint64) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

func newRev(gen int) string {
	return strconv.Itoa(gen) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RevGeneration returns the numeric prefix of a revision, or 0.
func RevGeneration(rev string) int {
	prefix, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0
	}
	return n
}
