package couch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestStore(t *testing.T) (*Store, *fakeCouch) {
	t.Helper()
	fc, srv := newFakeCouch(t)
	s, err := New(Config{
		URL:       srv.URL + "/db/",
		Timeout:   2 * time.Second,
		Heartbeat: time.Second,
		Reconnect: fastRetry(),
		Upsert:    retry.Conflict(errors.IsConflict),
	}, srv.Client(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fc
}

func nextEvent(t *testing.T, feed docstore.Feed) docstore.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-feed.Events():
		require.True(t, ok, "feed closed: %v", feed.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return docstore.ChangeEvent{}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(Config{URL: "not a url"}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	s, err := New(Config{URL: "http://localhost:5984/u/app/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5984/u/app", s.URL())
	assert.Equal(t, "http://localhost:5984/u/app/tasks%2F1", s.docURL("tasks/1"))
	assert.Equal(t, "http://localhost:5984/u/app/_design/app", s.docURL("_design/app"))
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.Ping(ctx))

	res, err := s.Put(ctx, docstore.Document{ID: "tasks/1", Fields: map[string]any{"title": "a", "_attachments": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "tasks/1", res.ID)
	assert.NotEmpty(t, res.Rev)

	doc, err := s.Get(ctx, "tasks/1")
	require.NoError(t, err)
	assert.Equal(t, "tasks/1", doc.ID)
	assert.Equal(t, res.Rev, doc.Rev)
	assert.Equal(t, map[string]any{"title": "a"}, doc.Fields)

	_, err = s.Get(ctx, "tasks/2")
	assert.True(t, errors.IsNotFound(err))
	_, err = s.Get(ctx, "")
	assert.True(t, errors.IsNotFound(err))

	_, err = s.Put(ctx, docstore.Document{Fields: map[string]any{}})
	assert.True(t, errors.IsInvalidID(err))
}

func TestPut_ConflictAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	first, err := s.Put(ctx, docstore.Document{ID: "a", Fields: map[string]any{"n": 1}})
	require.NoError(t, err)

	_, err = s.Put(ctx, docstore.Document{ID: "a", Fields: map[string]any{"n": 2}})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	key, ok := errors.ConflictKey(err)
	require.True(t, ok)
	assert.Equal(t, "a", key)

	_, err = s.Put(ctx, docstore.Document{ID: "a", Deleted: true})
	assert.True(t, errors.IsConflict(err))
	_, err = s.Put(ctx, docstore.Document{ID: "ghost", Deleted: true})
	assert.True(t, errors.IsNotFound(err))

	_, err = s.Put(ctx, docstore.Document{ID: "a", Rev: first.Rev, Deleted: true})
	require.NoError(t, err)
	_, err = s.Get(ctx, "a")
	assert.True(t, errors.IsNotFound(err))

	_, err = s.Put(ctx, docstore.Document{ID: "a", Fields: map[string]any{"n": 3}})
	require.NoError(t, err, "a deleted id can be recreated without a revision")
}

func TestPost(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	res, err := s.Post(ctx, map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Len(t, res.ID, 26)

	doc, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc.Fields["n"])
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	inc := func(cur *docstore.Document) (map[string]any, bool) {
		if cur == nil {
			return map[string]any{"n": float64(1)}, true
		}
		return map[string]any{"n": cur.Fields["n"].(float64) + 1}, true
	}
	for i := 0; i < 3; i++ {
		_, err := s.Upsert(ctx, "counter", inc)
		require.NoError(t, err)
	}
	doc, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, float64(3), doc.Fields["n"])

	res, err := s.Upsert(ctx, "counter", func(*docstore.Document) (map[string]any, bool) { return nil, false })
	require.NoError(t, err)
	assert.Equal(t, docstore.WriteResult{ID: "counter", Rev: doc.Rev}, res)

	res, err = s.Upsert(ctx, "missing", func(*docstore.Document) (map[string]any, bool) { return nil, false })
	require.NoError(t, err)
	assert.Equal(t, docstore.WriteResult{ID: "missing"}, res)
}

func TestUpsert_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Put(ctx, docstore.Document{ID: "x", Fields: map[string]any{"n": float64(0)}})
	require.NoError(t, err)

	calls := 0
	_, err = s.Upsert(ctx, "x", func(cur *docstore.Document) (map[string]any, bool) {
		calls++
		if calls == 1 {
			// A concurrent writer lands between our read and write.
			_, perr := s.Put(ctx, docstore.Document{ID: "x", Rev: cur.Rev, Fields: map[string]any{"n": float64(10)}})
			require.NoError(t, perr)
		}
		return map[string]any{"n": cur.Fields["n"].(float64) + 1}, true
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	doc, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, float64(11), doc.Fields["n"])
}

func TestAllDocs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, id := range []string{"b/2", "a/1", "b/1"} {
		_, err := s.Put(ctx, docstore.Document{ID: id, Fields: map[string]any{"id": id}})
		require.NoError(t, err)
	}

	rows, err := s.AllDocs(ctx, docstore.AllDocsOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "a/1", rows[0].ID)
	assert.Equal(t, "a/1", rows[0].Key)
	assert.NotEmpty(t, rows[0].Rev)
	assert.Equal(t, map[string]any{"rev": rows[0].Rev}, rows[0].Value)
	assert.Nil(t, rows[0].Doc)

	rows, err = s.AllDocs(ctx, docstore.AllDocsOptions{StartKey: "b/", EndKey: "b/\uffff", IncludeDocs: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b/1", rows[0].ID)
	require.NotNil(t, rows[0].Doc)
	assert.Equal(t, map[string]any{"id": "b/1"}, rows[0].Doc.Fields)
}

func TestBulkDocs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	existing, err := s.Put(ctx, docstore.Document{ID: "x", Fields: map[string]any{}})
	require.NoError(t, err)

	results, err := s.BulkDocs(ctx, []docstore.Document{
		{ID: "y", Fields: map[string]any{"n": 1}},
		{ID: "x", Fields: map[string]any{"n": 2}},
		{Fields: map[string]any{"n": 3}},
		{ID: "x", Rev: existing.Rev, Fields: map[string]any{"n": 4}},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.True(t, errors.IsConflict(results[1].Err))
	key, _ := errors.ConflictKey(results[1].Err)
	assert.Equal(t, "x", key)
	assert.NoError(t, results[2].Err)
	assert.Len(t, results[2].ID, 26)
	assert.NoError(t, results[3].Err)

	empty, err := s.BulkDocs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)

	_, err := s.Query(ctx, "noslash", docstore.QueryOptions{})
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)

	_, err = s.Query(ctx, "messages/byContact", docstore.QueryOptions{})
	assert.True(t, errors.IsNotFound(err))

	fc.rows = []map[string]any{
		{"id": "m1", "key": []any{"alice", 1}, "value": nil, "doc": map[string]any{"_id": "m1", "_rev": "1-a", "text": "hi"}},
		{"id": "m2", "key": []any{"alice", 2}, "value": 7},
	}
	rows, err := s.Query(ctx, "messages/byContact", docstore.QueryOptions{
		StartKey:    []any{"alice"},
		EndKey:      []any{"alice", map[string]any{}},
		IncludeDocs: true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []any{"alice", float64(1)}, rows[0].Key)
	assert.Equal(t, "1-a", rows[0].Rev)
	assert.Equal(t, "hi", rows[0].Doc.Fields["text"])
	assert.Equal(t, float64(7), rows[1].Value)
	assert.Nil(t, rows[1].Doc)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, errors.IsNotFound},
		{http.StatusConflict, errors.IsConflict},
		{http.StatusPreconditionFailed, errors.IsConflict},
		{http.StatusBadRequest, func(err error) bool { return errors.Is(err, errors.ErrInvalidRequest) }},
		{http.StatusUnauthorized, errors.IsFatal},
		{http.StatusForbidden, errors.IsFatal},
		{http.StatusTooManyRequests, func(err error) bool { return errors.Is(err, errors.ErrRateLimited) }},
		{http.StatusBadGateway, errors.IsTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				couchErr(w, tt.status, "err", "reason")
			}))
			defer srv.Close()

			s, err := New(Config{URL: srv.URL + "/db"}, srv.Client())
			require.NoError(t, err)
			_, err = s.Get(context.Background(), "doc")
			require.Error(t, err)
			assert.True(t, tt.check(err), "status %d: %v", tt.status, err)
		})
	}
}

func TestChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("since now", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.Put(ctx, docstore.Document{ID: "old", Fields: map[string]any{}})
		require.NoError(t, err)

		feed, err := s.Changes(ctx, docstore.ChangesOptions{Since: docstore.SinceNow, IncludeDocs: true})
		require.NoError(t, err)
		defer feed.Close()

		res, err := s.Put(ctx, docstore.Document{ID: "new", Fields: map[string]any{"n": 1}})
		require.NoError(t, err)

		ev := nextEvent(t, feed)
		assert.Equal(t, "new", ev.ID)
		assert.Equal(t, res.Rev, ev.Rev)
		assert.Equal(t, "2-x", ev.Seq)
		require.NotNil(t, ev.Doc)
		assert.Equal(t, float64(1), ev.Doc.Fields["n"])

		_, err = s.Put(ctx, docstore.Document{ID: "new", Rev: res.Rev, Deleted: true})
		require.NoError(t, err)
		ev = nextEvent(t, feed)
		assert.True(t, ev.Deleted)
		require.NotNil(t, ev.Doc)
		assert.True(t, ev.Doc.Deleted)
		assert.Nil(t, ev.Doc.Fields)
	})

	t.Run("since beginning and resume", func(t *testing.T) {
		s, _ := newTestStore(t)
		for _, id := range []string{"a", "b"} {
			_, err := s.Put(ctx, docstore.Document{ID: id, Fields: map[string]any{}})
			require.NoError(t, err)
		}

		feed, err := s.Changes(ctx, docstore.ChangesOptions{})
		require.NoError(t, err)
		assert.Equal(t, "a", nextEvent(t, feed).ID)
		last := nextEvent(t, feed)
		assert.Equal(t, "b", last.ID)
		require.NoError(t, feed.Close())

		_, err = s.Put(ctx, docstore.Document{ID: "c", Fields: map[string]any{}})
		require.NoError(t, err)
		resumed, err := s.Changes(ctx, docstore.ChangesOptions{Since: last.Seq})
		require.NoError(t, err)
		defer resumed.Close()
		assert.Equal(t, "c", nextEvent(t, resumed).ID)
	})

	t.Run("bad since is rejected up front", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.Changes(ctx, docstore.ChangesOptions{Since: "yesterday"})
		assert.ErrorIs(t, err, errors.ErrInvalidRequest)
	})

	t.Run("reconnects after a drop", func(t *testing.T) {
		s, fc := newTestStore(t)
		fc.dropped = 1

		feed, err := s.Changes(ctx, docstore.ChangesOptions{Since: docstore.SinceNow})
		require.NoError(t, err)
		defer feed.Close()

		for _, id := range []string{"a", "b"} {
			_, err := s.Put(ctx, docstore.Document{ID: id, Fields: map[string]any{}})
			require.NoError(t, err)
		}
		assert.Equal(t, "a", nextEvent(t, feed).ID)
		assert.Equal(t, "b", nextEvent(t, feed).ID)
	})

	t.Run("gives up when the server stays down", func(t *testing.T) {
		s, fc := newTestStore(t)
		fc.dropped = 1

		feed, err := s.Changes(ctx, docstore.ChangesOptions{Since: docstore.SinceNow})
		require.NoError(t, err)
		defer feed.Close()

		fc.mu.Lock()
		fc.fail = 100
		fc.mu.Unlock()
		// The write goes straight into the log so the failing handler does
		// not reject it.
		fc.write(map[string]any{"_id": "a"})

		assert.Equal(t, "a", nextEvent(t, feed).ID)
		for range feed.Events() {
		}
		assert.ErrorIs(t, feed.Err(), errors.ErrConnectionLost)
	})

	t.Run("close ends the feed", func(t *testing.T) {
		s, _ := newTestStore(t)
		feed, err := s.Changes(ctx, docstore.ChangesOptions{Since: docstore.SinceNow})
		require.NoError(t, err)

		require.NoError(t, s.Close())
		for range feed.Events() {
		}
		assert.NoError(t, feed.Err())

		_, err = s.Changes(ctx, docstore.ChangesOptions{})
		assert.ErrorIs(t, err, errors.ErrClosed)
		_, err = s.Get(ctx, "a")
		assert.ErrorIs(t, err, errors.ErrClosed)
	})
}
