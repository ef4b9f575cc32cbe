package collection

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/metric"
	"github.com/aspen-cloud/aspen-sdk/namespace"
	"github.com/aspen-cloud/aspen-sdk/pkg/retry"
)

type handler func(ev docstore.ChangeEvent, key namespace.Key)

// Subscription is a handle on one Subscribe call.
type Subscription struct {
	d          *Dispatcher
	collection string
	fn         handler
	cancelled  atomic.Bool
}

// Collection returns the name of the subscribed collection.
func (s *Subscription) Collection() string {
	return s.collection
}

// Cancel detaches this subscription. It is idempotent and safe to call after
// the dispatcher or the store has been closed.
func (s *Subscription) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.d.remove(s)
}

// Dispatcher fans the single change feed of a store out to per-collection
// subscribers. The feed is opened on the first subscription and events are
// delivered on one goroutine, in feed order.
type Dispatcher struct {
	store   docstore.Store
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	subs    map[string][]*Subscription
	feed    docstore.Feed
	lastSeq string
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	closed  bool
	done    chan struct{}
}

// NewDispatcher creates a dispatcher for store.
func NewDispatcher(store docstore.Store, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:   store,
		logger:  o.logger.With("component", "dispatcher"),
		metrics: o.metrics,
		subs:    make(map[string][]*Subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (d *Dispatcher) subscribe(collection string, fn handler) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.WrapInvalid(errors.ErrClosed, "Dispatcher", "Subscribe", "subscribe on closed dispatcher")
	}
	if !d.running {
		feed, err := d.store.Changes(d.ctx, docstore.ChangesOptions{
			Since:       docstore.SinceNow,
			IncludeDocs: true,
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "Dispatcher", "Subscribe", "open change feed")
		}
		d.feed = feed
		d.running = true
		d.done = make(chan struct{})
		go d.run(feed, d.done)
	}

	sub := &Subscription{d: d, collection: collection, fn: fn}
	d.subs[collection] = append(d.subs[collection], sub)
	d.metrics.AddSubscriptions(collection, 1)
	return sub, nil
}

func (d *Dispatcher) remove(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.subs[sub.collection]
	for i, s := range list {
		if s == sub {
			d.subs[sub.collection] = append(list[:i:i], list[i+1:]...)
			d.metrics.AddSubscriptions(sub.collection, -1)
			break
		}
	}
	if len(d.subs[sub.collection]) == 0 {
		delete(d.subs, sub.collection)
	}
}

// Close stops the feed and waits for the dispatch goroutine to exit. Later
// Cancel calls are no-ops.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	running := d.running
	feed := d.feed
	done := d.done
	d.cancel()
	d.mu.Unlock()

	if feed != nil {
		_ = feed.Close()
	}
	if running {
		<-done
	}
	return nil
}

// run dispatches until the dispatcher closes or the feed cannot be reopened.
// In the latter case the next Subscribe opens a fresh feed.
func (d *Dispatcher) run(feed docstore.Feed, done chan struct{}) {
	defer close(done)

	for {
		for ev := range feed.Events() {
			d.dispatch(ev)
		}

		if d.isClosed() {
			return
		}

		d.logger.Warn("change feed stopped, reopening", "since", d.resumePoint(), "error", feed.Err())
		next, err := d.reopen()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			if !closed {
				d.running = false
				d.feed = nil
			}
			d.mu.Unlock()
			if !closed {
				d.logger.Error("change feed could not be reopened", "error", err)
			}
			return
		}
		feed = next
	}
}

func (d *Dispatcher) reopen() (docstore.Feed, error) {
	cfg := retry.Config{
		MaxAttempts:  math.MaxInt32,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
		RetryIf: func(err error) bool {
			return !errors.Is(err, errors.ErrClosed)
		},
	}
	feed, err := retry.DoWithResult(d.ctx, cfg, func() (docstore.Feed, error) {
		return d.store.Changes(d.ctx, docstore.ChangesOptions{
			Since:       d.resumePoint(),
			IncludeDocs: true,
		})
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = feed.Close()
		return nil, errors.ErrClosed
	}
	d.feed = feed
	return feed, nil
}

func (d *Dispatcher) resumePoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastSeq == "" {
		return docstore.SinceNow
	}
	return d.lastSeq
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) dispatch(ev docstore.ChangeEvent) {
	key, err := namespace.Decode(ev.ID)

	d.mu.Lock()
	if ev.Seq != "" {
		d.lastSeq = ev.Seq
	}
	if err != nil {
		d.mu.Unlock()
		return
	}
	subs := append([]*Subscription(nil), d.subs[key.Collection]...)
	d.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	d.metrics.RecordFeedEvent(key.Collection)
	for _, sub := range subs {
		if sub.cancelled.Load() {
			continue
		}
		d.call(sub, ev, key)
	}
}

func (d *Dispatcher) call(sub *Subscription, ev docstore.ChangeEvent, key namespace.Key) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordSubscriberPanic(key.Collection)
			d.logger.Error("subscriber panic recovered",
				"collection", key.Collection, "id", key.ID, "panic", r)
		}
	}()
	sub.fn(ev, key)
}
