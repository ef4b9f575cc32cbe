package couch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/pkg/retry"
)

// changeLine is one line of a continuous _changes feed. The final line of a
// closed feed carries only last_seq.
type changeLine struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
	Doc     map[string]any  `json:"doc"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// seqString renders a sequence, which is a number on older servers and an
// opaque string on newer ones.
func seqString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// Changes implements docstore.Store. The first request is made before Changes
// returns, so a bad since value or an unreachable server is reported here.
func (s *Store) Changes(ctx context.Context, opts docstore.ChangesOptions) (docstore.Feed, error) {
	since := opts.Since
	if since == "" {
		since = docstore.SinceBeginning
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.ErrClosed
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	feedCtx, cancel := context.WithCancel(ctx)
	f := &follower{store: s, since: since, includeDocs: opts.IncludeDocs}
	body, err := f.open(feedCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	feed := docstore.NewStreamFeed(cancel)
	f.feed = feed
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		body.Close()
		return nil, errors.ErrClosed
	}
	s.feeds[id] = feed
	s.mu.Unlock()

	go func() {
		defer s.untrack(id)
		defer cancel()
		f.run(feedCtx, body)
	}()
	return feed, nil
}

func (s *Store) untrack(id uint64) {
	s.mu.Lock()
	delete(s.feeds, id)
	s.mu.Unlock()
}

// follower reads one continuous feed and reopens it after drops.
type follower struct {
	store       *Store
	feed        *docstore.StreamFeed
	since       string
	includeDocs bool
}

func (f *follower) url() string {
	q := url.Values{}
	q.Set("feed", "continuous")
	q.Set("since", f.since)
	q.Set("heartbeat", strconv.FormatInt(f.store.cfg.Heartbeat.Milliseconds(), 10))
	if f.includeDocs {
		q.Set("include_docs", "true")
	}
	return f.store.base + "/_changes?" + q.Encode()
}

func (f *follower) open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := f.store.send(ctx, http.MethodGet, f.url(), nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "couch", "Changes", "open feed")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp, "Changes", "_changes")
	}
	return resp.Body, nil
}

func (f *follower) run(ctx context.Context, body io.ReadCloser) {
	for {
		wd := newWatchdog(body, 3*f.store.cfg.Heartbeat)
		err := f.read(ctx, wd)
		_ = wd.Close()
		if err == nil || ctx.Err() != nil {
			f.feed.Finish(nil)
			return
		}

		f.store.logger.Warn("change feed dropped, reconnecting", "since", f.since, "error", err)
		body, err = retry.DoWithResult(ctx, f.store.cfg.Reconnect, func() (io.ReadCloser, error) {
			b, err := f.open(ctx)
			if err != nil && !errors.IsTransient(err) {
				return nil, retry.NonRetryable(err)
			}
			return b, err
		})
		if err != nil {
			if ctx.Err() != nil {
				f.feed.Finish(nil)
				return
			}
			f.feed.Finish(errors.WrapTransient(errors.ErrConnectionLost, "couch", "Changes", "reconnect feed"))
			return
		}
	}
}

// read forwards events until the stream ends. It returns nil when the feed
// was closed by the consumer.
func (f *follower) read(ctx context.Context, body io.Reader) error {
	dec := json.NewDecoder(body)
	for {
		var line changeLine
		if err := dec.Decode(&line); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		if line.ID == "" {
			if len(line.LastSeq) > 0 {
				f.since = seqString(line.LastSeq)
			}
			continue
		}

		ev := docstore.ChangeEvent{
			Seq:     seqString(line.Seq),
			ID:      line.ID,
			Deleted: line.Deleted,
		}
		if len(line.Changes) > 0 {
			ev.Rev = line.Changes[0].Rev
		}
		if f.includeDocs && line.Doc != nil {
			doc := docstore.DocumentFromMap(line.Doc)
			if line.Deleted {
				doc.Deleted = true
				doc.Fields = nil
			}
			ev.Doc = &doc
		}
		if !f.feed.Send(ev) {
			return nil
		}
		f.since = ev.Seq

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// watchdog closes a feed body that stays silent for longer than limit, which
// turns a half-open connection into a read error.
type watchdog struct {
	body  io.ReadCloser
	limit time.Duration
	timer *time.Timer
}

func newWatchdog(body io.ReadCloser, limit time.Duration) *watchdog {
	return &watchdog{
		body:  body,
		limit: limit,
		timer: time.AfterFunc(limit, func() { _ = body.Close() }),
	}
}

func (w *watchdog) Read(p []byte) (int, error) {
	n, err := w.body.Read(p)
	if n > 0 {
		w.timer.Reset(w.limit)
	}
	return n, err
}

func (w *watchdog) Close() error {
	w.timer.Stop()
	return w.body.Close()
}
