// Package couch is a docstore.Store over the CouchDB HTTP API.
//
// It speaks to one database URL and maps CouchDB answers onto the docstore
// error surface: 404 is NotFound, 409 and 412 are Conflict, 400 is
// InvalidRequest, 401 and 403 are fatal, and 5xx or network failures are
// transient. Secondary indexes are design-document views addressed as
// "ddoc/view".
//
// Ordinary requests are bounded by Config.Timeout. Change feeds use
// feed=continuous with a heartbeat and reconnect from the last sequence they
// saw when the stream drops.
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/pkg/retry"
)

// Config configures a Store.
type Config struct {
	// URL is the database URL, e.g. https://api.example.com/{user}/{app}.
	URL string
	// Timeout bounds every request except change feeds. Zero means 30s.
	Timeout time.Duration
	// Heartbeat is the keep-alive interval requested for change feeds.
	// Zero means 30s.
	Heartbeat time.Duration
	// Reconnect controls how a dropped change feed is re-established.
	Reconnect retry.Config
	// Upsert controls the read-modify-write loop of Upsert.
	Upsert retry.Config
}

// Store implements docstore.Store against a CouchDB compatible server.
type Store struct {
	cfg    Config
	base   string
	client *http.Client
	logger *slog.Logger

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

// New returns a Store for cfg.URL. client carries credentials; nil uses
// http.DefaultClient. The client must not set an overall Timeout, or change
// feeds are cut off.
func New(cfg Config, client *http.Client, opts ...Option) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "couch", "New", "database url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "couch", "New", "invalid database url "+cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = retry.DefaultConfig()
	}
	if cfg.Upsert.MaxAttempts == 0 {
		cfg.Upsert = retry.Conflict(errors.IsConflict)
	}
	if client == nil {
		client = http.DefaultClient
	}

	s := &Store{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.URL, "/"),
		client: client,
		logger: slog.Default(),
		feeds:  make(map[uint64]*docstore.StreamFeed),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "couch")
	return s, nil
}

// URL returns the database URL.
func (s *Store) URL() string {
	return s.base
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// docURL escapes id as a single path segment; design document ids keep
// their slash.
func (s *Store) docURL(id string) string {
	if rest, ok := strings.CutPrefix(id, "_design/"); ok {
		return s.base + "/_design/" + url.PathEscape(rest)
	}
	return s.base + "/" + url.PathEscape(id)
}

// couchError is the body of a CouchDB error answer.
type couchError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type writeAnswer struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// do sends one request bounded by the configured timeout and decodes a 2xx
// JSON answer into out.
func (s *Store) do(ctx context.Context, method, target, key string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := s.send(ctx, method, target, body)
	if err != nil {
		return errors.WrapTransient(err, "couch", method, key)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp, method, key)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrDataCorrupted, err), "couch", method, "decode "+key)
	}
	return nil
}

func (s *Store) send(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.client.Do(req)
}

// statusError maps a non-2xx answer. key is the document id for conflicts.
func statusError(resp *http.Response, method, key string) error {
	var ce couchError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &ce) != nil || ce.Error == "" {
		ce.Error = http.StatusText(resp.StatusCode)
		ce.Reason = strings.TrimSpace(string(data))
	}
	detail := fmt.Errorf("HTTP %d %s: %s", resp.StatusCode, ce.Error, ce.Reason)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("couch %s %s: %w: %w", method, key, errors.ErrNotFound, detail)
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusPreconditionFailed:
		return &errors.ConflictError{Key: key, Err: detail}
	case resp.StatusCode == http.StatusBadRequest:
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidRequest, detail), "couch", method, key)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errors.WrapFatal(detail, "couch", method, key)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrRateLimited, detail), "couch", method, key)
	case resp.StatusCode >= 500:
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, detail), "couch", method, key)
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidRequest, detail), "couch", method, key)
}

// Ping checks that the database exists and is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, s.base, "database", nil, nil)
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, id string) (*docstore.Document, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}
	if id == "" {
		return nil, fmt.Errorf("couch get: %w", errors.ErrNotFound)
	}
	var obj map[string]any
	if err := s.do(ctx, http.MethodGet, s.docURL(id), id, nil, &obj); err != nil {
		return nil, err
	}
	doc := docstore.DocumentFromMap(obj)
	return &doc, nil
}

// Put implements docstore.Store.
func (s *Store) Put(ctx context.Context, doc docstore.Document) (docstore.WriteResult, error) {
	if s.isClosed() {
		return docstore.WriteResult{}, errors.ErrClosed
	}
	if doc.ID == "" {
		return docstore.WriteResult{}, errors.InvalidIDf("doc id cannot be an empty string")
	}
	if doc.Deleted && doc.Rev == "" {
		// CouchDB would store a deleted stub for an unknown id.
		if _, err := s.Get(ctx, doc.ID); err != nil {
			return docstore.WriteResult{}, err
		}
		return docstore.WriteResult{}, errors.NewConflict(doc.ID)
	}

	body, err := docstore.MarshalDocument(storedForm(doc))
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("%w: %w", errors.ErrInvalidRequest, err)
	}
	var ans writeAnswer
	if err := s.do(ctx, http.MethodPut, s.docURL(doc.ID), doc.ID, body, &ans); err != nil {
		return docstore.WriteResult{}, err
	}
	return docstore.WriteResult{ID: doc.ID, Rev: ans.Rev}, nil
}

func storedForm(doc docstore.Document) docstore.Document {
	out := docstore.Document{ID: doc.ID, Rev: doc.Rev, Deleted: doc.Deleted}
	if !doc.Deleted {
		out.Fields = docstore.StripReserved(doc.Fields)
	}
	return out
}

// Post implements docstore.Store with a client generated id.
func (s *Store) Post(ctx context.Context, fields map[string]any) (docstore.WriteResult, error) {
	return s.Put(ctx, docstore.Document{ID: ulid.Make().String(), Fields: fields})
}

// Upsert implements docstore.Store with a conflict-retried read and write.
func (s *Store) Upsert(ctx context.Context, id string, fn docstore.UpsertFunc) (docstore.WriteResult, error) {
	if s.isClosed() {
		return docstore.WriteResult{}, errors.ErrClosed
	}
	if id == "" {
		return docstore.WriteResult{}, errors.InvalidIDf("doc id cannot be an empty string")
	}

	res, err := retry.DoWithResult(ctx, s.cfg.Upsert, func() (docstore.WriteResult, error) {
		current, err := s.Get(ctx, id)
		if err != nil && !errors.IsNotFound(err) {
			return docstore.WriteResult{}, retry.NonRetryable(err)
		}
		var input *docstore.Document
		rev := ""
		if current != nil {
			rev = current.Rev
			cp := docstore.CloneDocument(*current)
			input = &cp
		}
		fields, ok := fn(input)
		if !ok {
			return docstore.WriteResult{ID: id, Rev: rev}, nil
		}
		res, err := s.Put(ctx, docstore.Document{ID: id, Rev: rev, Fields: fields})
		if err != nil && !errors.IsConflict(err) {
			return docstore.WriteResult{}, retry.NonRetryable(err)
		}
		return res, err
	})
	var nre *retry.NonRetryableError
	if errors.As(err, &nre) {
		return docstore.WriteResult{}, nre.Err
	}
	return res, err
}

type allDocsAnswer struct {
	Rows []struct {
		ID    string          `json:"id"`
		Key   json.RawMessage `json:"key"`
		Value json.RawMessage `json:"value"`
		Doc   map[string]any  `json:"doc"`
		Error string          `json:"error"`
	} `json:"rows"`
}

// AllDocs implements docstore.Store.
func (s *Store) AllDocs(ctx context.Context, opts docstore.AllDocsOptions) ([]docstore.Row, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}
	q := url.Values{}
	if opts.StartKey != "" {
		q.Set("startkey", jsonParam(opts.StartKey))
	}
	if opts.EndKey != "" {
		q.Set("endkey", jsonParam(opts.EndKey))
	}
	if opts.IncludeDocs {
		q.Set("include_docs", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	return s.rows(ctx, s.base+"/_all_docs", "_all_docs", q, true)
}

// Query implements docstore.Store. index names a view as "ddoc/view".
func (s *Store) Query(ctx context.Context, index string, opts docstore.QueryOptions) ([]docstore.Row, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}
	ddoc, view, ok := strings.Cut(index, "/")
	if !ok || ddoc == "" || view == "" {
		return nil, fmt.Errorf("couch query %q: %w: index must be ddoc/view", index, errors.ErrInvalidRequest)
	}

	q := url.Values{}
	if opts.Key != nil {
		q.Set("key", jsonParam(opts.Key))
	}
	if opts.StartKey != nil {
		q.Set("startkey", jsonParam(opts.StartKey))
	}
	if opts.EndKey != nil {
		q.Set("endkey", jsonParam(opts.EndKey))
	}
	if opts.IncludeDocs {
		q.Set("include_docs", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	target := s.base + "/_design/" + url.PathEscape(ddoc) + "/_view/" + url.PathEscape(view)
	return s.rows(ctx, target, index, q, false)
}

func jsonParam(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func (s *Store) rows(ctx context.Context, target, key string, q url.Values, allDocs bool) ([]docstore.Row, error) {
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var ans allDocsAnswer
	if err := s.do(ctx, http.MethodGet, target, key, nil, &ans); err != nil {
		return nil, err
	}

	rows := make([]docstore.Row, 0, len(ans.Rows))
	for _, r := range ans.Rows {
		if r.Error != "" {
			continue
		}
		row := docstore.Row{ID: r.ID}
		if err := decodeRaw(r.Key, &row.Key); err != nil {
			return nil, errors.WrapTransient(err, "couch", "rows", "decode key")
		}
		if err := decodeRaw(r.Value, &row.Value); err != nil {
			return nil, errors.WrapTransient(err, "couch", "rows", "decode value")
		}
		if r.Doc != nil {
			doc := docstore.DocumentFromMap(r.Doc)
			row.Doc = &doc
			row.Rev = doc.Rev
		}
		if allDocs {
			if v, ok := row.Value.(map[string]any); ok {
				row.Rev, _ = v["rev"].(string)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeRaw(raw json.RawMessage, out *any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// BulkDocs implements docstore.Store with one _bulk_docs request.
func (s *Store) BulkDocs(ctx context.Context, docs []docstore.Document) ([]docstore.WriteResult, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}
	if len(docs) == 0 {
		return nil, nil
	}

	payload := make([]json.RawMessage, len(docs))
	ids := make([]string, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			doc.ID = ulid.Make().String()
		}
		ids[i] = doc.ID
		data, err := docstore.MarshalDocument(storedForm(doc))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errors.ErrInvalidRequest, err)
		}
		payload[i] = data
	}

	var answers []writeAnswer
	body := map[string]any{"docs": payload}
	if err := s.do(ctx, http.MethodPost, s.base+"/_bulk_docs", "_bulk_docs", body, &answers); err != nil {
		return nil, err
	}
	if len(answers) != len(docs) {
		return nil, errors.WrapTransient(errors.ErrDataCorrupted, "couch", "BulkDocs",
			fmt.Sprintf("match %d answers to %d docs", len(answers), len(docs)))
	}

	results := make([]docstore.WriteResult, len(docs))
	for i, ans := range answers {
		results[i] = docstore.WriteResult{ID: ids[i], Rev: ans.Rev, Err: bulkError(ids[i], ans)}
	}
	return results, nil
}

func bulkError(id string, ans writeAnswer) error {
	if ans.Error == "" {
		return nil
	}
	detail := fmt.Errorf("%s: %s", ans.Error, ans.Reason)
	switch ans.Error {
	case "conflict":
		return &errors.ConflictError{Key: id, Err: detail}
	case "not_found":
		return fmt.Errorf("couch bulk %s: %w: %w", id, errors.ErrNotFound, detail)
	}
	return fmt.Errorf("couch bulk %s: %w: %w", id, errors.ErrInvalidRequest, detail)
}

// Close stops every live feed. Operations after Close return ErrClosed. The
// HTTP client is not owned by the store and stays open.
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
