package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aspen-cloud/aspen-sdk/collection"
	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/metric"
	"github.com/aspen-cloud/aspen-sdk/pkg/retry"
	"github.com/aspen-cloud/aspen-sdk/pkg/worker"
	"github.com/aspen-cloud/aspen-sdk/transport"
)

// CollectionName is the reserved collection holding outbound messages.
const CollectionName = "_outbox"

// Status is the delivery state of a message.
type Status string

// A message is created SENT and moves to exactly one of DELIVERED or REJECTED.
const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRejected  Status = "REJECTED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRejected:
		return true
	}
	return false
}

// Message is one outbound message as stored in the outbox collection.
type Message struct {
	To        string          `json:"to"`
	Body      json.RawMessage `json:"body"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts,omitempty"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DecodeBody unmarshals the message body into v.
func (m Message) DecodeBody(v any) error {
	return json.Unmarshal(m.Body, v)
}

// errSuperseded marks a write-back whose message left SENT in the meantime.
var errSuperseded = errors.New("message no longer pending")

type job struct {
	id  string
	rev string
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateClosed
)

// Outbox is a durable send queue. Post stores a SENT message; a running
// processor delivers it through the transport and records the outcome.
//
// At most one processor may run per physical outbox. WithLease enforces this
// across processes; without it the caller must guarantee it.
type Outbox struct {
	coll      *collection.Collection[Message]
	store     docstore.Store
	transport transport.Transport
	logger    *slog.Logger
	metrics   *metric.Metrics
	registry  *metric.MetricsRegistry
	limiter   *rate.Limiter
	sweep     time.Duration
	queueSize int
	leaseTTL  time.Duration
	writeCfg  retry.Config

	lifecycle sync.Mutex
	state     state
	lease     *lease
	sub       *collection.Subscription
	pool      *worker.Pool[job]
	ctx       context.Context
	cancel    context.CancelFunc
	stopSweep chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]string
	done    map[string]string
}

// New returns the outbox of store. Messages are observed through dispatcher,
// which must be the store's dispatcher, and delivered with tr.
func New(store docstore.Store, dispatcher *collection.Dispatcher, tr transport.Transport, opts ...Option) (*Outbox, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Outbox", "New", "store cannot be nil")
	}
	if dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Outbox", "New", "dispatcher cannot be nil")
	}
	if tr == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Outbox", "New", "transport cannot be nil")
	}

	o := &Outbox{
		store:     store,
		transport: tr,
		logger:    slog.Default(),
		queueSize: 1024,
		writeCfg:  retry.DefaultConfig(),
		pending:   make(map[string]string),
		done:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "outbox")

	coll, err := collection.New[Message](store, dispatcher, CollectionName,
		collection.WithLogger(o.logger), collection.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}
	o.coll = coll
	return o, nil
}

// Post queues a message for to. body may be a json.RawMessage or any value
// that encodes to JSON. The transport is never called from Post.
func (o *Outbox) Post(ctx context.Context, to string, body any) (collection.WriteResult, error) {
	if to == "" {
		return collection.WriteResult{}, errors.WrapInvalid(errors.ErrInvalidRequest, "Outbox", "Post", "recipient is required")
	}
	raw, err := encodeBody(body)
	if err != nil {
		return collection.WriteResult{}, errors.WrapInvalid(err, "Outbox", "Post", "encode body")
	}

	now := time.Now().UTC()
	res, err := o.coll.Add(ctx, Message{To: to, Body: raw, Status: StatusSent, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return collection.WriteResult{}, err
	}
	o.metrics.RecordOutboxTransition(string(StatusSent))
	return res, nil
}

// Get returns one message.
func (o *Outbox) Get(ctx context.Context, id string) (*collection.Document[Message], error) {
	return o.coll.Get(ctx, id)
}

// GetAll lists messages in creation order, optionally only those in one of
// the given states.
func (o *Outbox) GetAll(ctx context.Context, status ...Status) ([]*collection.Document[Message], error) {
	rows, err := o.coll.GetAll(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]*collection.Document[Message], 0, len(rows))
	for _, r := range rows {
		if r.Doc == nil || !matches(r.Doc.Fields.Status, status) {
			continue
		}
		out = append(out, r.Doc)
	}
	return out, nil
}

// Retry delivers a REJECTED message again, synchronously, and records the new
// outcome. It is the only way a message leaves REJECTED.
func (o *Outbox) Retry(ctx context.Context, id string) (Status, error) {
	doc, err := o.coll.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if doc.Fields.Status != StatusRejected {
		return doc.Fields.Status, errors.WrapInvalid(errors.ErrInvalidRequest, "Outbox", "Retry",
			fmt.Sprintf("message %s is %s", id, doc.Fields.Status))
	}

	next, err := o.attempt(ctx, doc)
	if err != nil {
		return StatusRejected, err
	}
	if err := o.writeBack(ctx, next, StatusRejected); err != nil {
		o.metrics.RecordOutboxWriteError()
		return StatusRejected, errors.Wrap(err, "Outbox", "Retry", "write status")
	}
	o.metrics.RecordOutboxTransition(string(next.Fields.Status))
	return next.Fields.Status, nil
}

// Start runs the processor: it subscribes to the outbox feed, then replays
// every message still SENT, then keeps sweeping if configured. With a lease
// configured, Start fails with ErrLeaseHeld while another owner is live.
func (o *Outbox) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	switch o.state {
	case stateRunning:
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Outbox", "Start", "processor running")
	case stateClosed:
		return errors.WrapInvalid(errors.ErrClosed, "Outbox", "Start", "outbox closed")
	}

	if o.leaseTTL > 0 {
		l, err := newLease(o.store, o.leaseTTL, o.logger)
		if err != nil {
			return err
		}
		if err := l.acquire(ctx); err != nil {
			return errors.Wrap(err, "Outbox", "Start", "acquire lease")
		}
		o.lease = l
	}

	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	poolOpts := []worker.Option[job]{worker.WithLogger[job](o.logger)}
	if o.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[job](o.registry, "outbox"))
	}
	o.pool = worker.NewPool(1, o.queueSize, o.process, poolOpts...)
	if err := o.pool.Start(o.ctx); err != nil {
		o.abortStart(ctx)
		return err
	}

	sub, err := o.coll.Subscribe(o.onChange)
	if err != nil {
		o.abortStart(ctx)
		return err
	}
	o.sub = sub

	if err := o.replay(ctx, true); err != nil {
		o.abortStart(ctx)
		return errors.Wrap(err, "Outbox", "Start", "replay pending messages")
	}

	o.stopSweep = make(chan struct{})
	if o.sweep > 0 {
		o.wg.Add(1)
		go o.sweepLoop()
	}
	if o.lease != nil {
		o.lease.keepAlive(o.ctx)
	}

	o.state = stateRunning
	o.logger.Info("outbox processor started", "sweep", o.sweep, "lease", o.leaseTTL > 0)
	return nil
}

func (o *Outbox) abortStart(ctx context.Context) {
	if o.sub != nil {
		o.sub.Cancel()
		o.sub = nil
	}
	if o.pool != nil {
		_ = o.pool.Stop(time.Second)
	}
	if o.cancel != nil {
		o.cancel()
	}
	if o.lease != nil {
		_ = o.lease.release(ctx)
		o.lease = nil
	}
	o.state = stateClosed
}

// Close stops the processor, letting queued deliveries finish while ctx
// allows, and releases the lease. It is idempotent.
func (o *Outbox) Close(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	prev := o.state
	o.state = stateClosed
	if prev != stateRunning {
		return nil
	}

	o.sub.Cancel()
	close(o.stopSweep)
	o.wg.Wait()

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	var errs []error
	if err := o.pool.Stop(timeout); err != nil {
		errs = append(errs, errors.Wrap(err, "Outbox", "Close", "stop worker pool"))
	}
	o.cancel()

	if o.lease != nil {
		if err := o.lease.release(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Outbox", "Close", "release lease"))
		}
	}
	o.logger.Info("outbox processor stopped")
	return stderrors.Join(errs...)
}

// onChange runs on the dispatcher goroutine and never blocks.
func (o *Outbox) onChange(ch collection.Change[Message]) {
	if ch.Deleted || ch.Doc == nil || ch.Doc.Fields.Status != StatusSent {
		o.mu.Lock()
		delete(o.done, ch.ID)
		o.mu.Unlock()
		return
	}
	_ = o.enqueue(o.ctx, ch.ID, ch.Rev, false)
}

func (o *Outbox) enqueue(ctx context.Context, id, rev string, wait bool) error {
	o.mu.Lock()
	if o.pending[id] == rev || o.done[id] == rev {
		o.mu.Unlock()
		return nil
	}
	o.pending[id] = rev
	o.mu.Unlock()

	var err error
	if wait {
		err = o.pool.SubmitWait(ctx, job{id: id, rev: rev})
	} else {
		err = o.pool.Submit(job{id: id, rev: rev})
	}
	if err == nil {
		return nil
	}

	o.mu.Lock()
	if o.pending[id] == rev {
		delete(o.pending, id)
	}
	o.mu.Unlock()
	if stderrors.Is(err, worker.ErrQueueFull) {
		o.metrics.RecordOutboxSkipped("queue_full")
		o.logger.Warn("outbox queue full, message left pending", "id", id)
	}
	return err
}

func (o *Outbox) replay(ctx context.Context, wait bool) error {
	pending, err := o.GetAll(ctx, StatusSent)
	if err != nil {
		return err
	}
	for _, doc := range pending {
		if err := o.enqueue(ctx, doc.ID, doc.Rev, wait); err != nil && wait {
			return err
		}
	}
	if len(pending) > 0 {
		o.logger.Debug("queued pending messages", "count", len(pending))
	}
	return nil
}

func (o *Outbox) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopSweep:
			return
		case <-ticker.C:
			if err := o.replay(o.ctx, false); err != nil {
				o.logger.Warn("outbox sweep failed", "error", err)
			}
		}
	}
}

// process delivers one queued message. Failures are logged and counted here
// and never reach the feed.
func (o *Outbox) process(ctx context.Context, j job) error {
	processed := ""
	defer func() { o.finish(j, processed) }()

	if o.lease != nil && !o.lease.held.Load() {
		o.metrics.RecordOutboxSkipped("lease_lost")
		return nil
	}

	doc, err := o.coll.Get(ctx, j.id)
	if err != nil {
		if errors.IsNotFound(err) {
			o.metrics.RecordOutboxSkipped("deleted")
			processed = j.rev
			return nil
		}
		o.metrics.RecordOutboxSkipped("read_failed")
		o.logger.Error("read outbox message", "id", j.id, "error", err)
		return err
	}
	if doc.Fields.Status != StatusSent {
		o.metrics.RecordOutboxSkipped("stale")
		processed = j.rev
		return nil
	}

	next, err := o.attempt(ctx, doc)
	if err != nil {
		return err
	}
	if err := o.writeBack(ctx, next, StatusSent); err != nil {
		if errors.Is(err, errSuperseded) {
			o.metrics.RecordOutboxSkipped("superseded")
			processed = doc.Rev
			return nil
		}
		o.metrics.RecordOutboxWriteError()
		o.logger.Error("write outbox status", "id", j.id, "status", next.Fields.Status, "error", err)
		if rerr := o.rejectAfterWriteError(ctx, next, err); rerr != nil {
			o.logger.Error("reject outbox message", "id", j.id, "error", rerr)
			return err
		}
		processed = doc.Rev
		o.metrics.RecordOutboxTransition(string(StatusRejected))
		return nil
	}
	processed = doc.Rev
	o.metrics.RecordOutboxTransition(string(next.Fields.Status))
	o.logger.Debug("outbox message processed", "id", j.id, "to", next.Fields.To, "status", next.Fields.Status)
	return nil
}

func (o *Outbox) finish(j job, processed string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[j.id] == j.rev {
		delete(o.pending, j.id)
	}
	if processed != "" {
		o.done[j.id] = processed
	}
}

// attempt makes one delivery and returns the document carrying the outcome.
// It only fails when the limiter wait is cancelled.
func (o *Outbox) attempt(ctx context.Context, doc *collection.Document[Message]) (*collection.Document[Message], error) {
	msg := doc.Fields
	msg.UpdatedAt = time.Now().UTC()

	if msg.To == "" {
		o.metrics.RecordOutboxSkipped("malformed")
		msg.Status = StatusRejected
		msg.LastError = "message has no recipient"
	} else {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		start := time.Now()
		err := o.transport.Deliver(transport.WithMessageID(ctx, doc.ID), msg.To, msg.Body)
		o.metrics.RecordDelivery(time.Since(start), err)

		msg.Attempts++
		if err != nil {
			msg.Status = StatusRejected
			msg.LastError = err.Error()
		} else {
			msg.Status = StatusDelivered
			msg.LastError = ""
		}
	}

	next := *doc
	next.Fields = msg
	return &next, nil
}

// writeBack stores next over the revision it was read at. On a conflict it
// re-reads the message. Only the outcome fields are carried onto the newer
// revision, and only while the message is still in state from with the same
// recipient and body. Any other edit supersedes the attempt and is left to
// its own change event.
func (o *Outbox) writeBack(ctx context.Context, next *collection.Document[Message], from Status) error {
	return retry.Do(ctx, o.writeCfg, func() error {
		_, err := o.coll.Replace(ctx, next)
		if err == nil || !errors.IsConflict(err) {
			return err
		}
		cur, gerr := o.coll.Get(ctx, next.ID)
		if gerr != nil {
			if errors.IsNotFound(gerr) {
				return retry.NonRetryable(errSuperseded)
			}
			return gerr
		}
		if cur.Fields.Status != from || cur.Fields.To != next.Fields.To || !sameJSON(cur.Fields.Body, next.Fields.Body) {
			return retry.NonRetryable(errSuperseded)
		}
		rebased := *cur
		rebased.Fields.Status = next.Fields.Status
		rebased.Fields.Attempts = next.Fields.Attempts
		rebased.Fields.LastError = next.Fields.LastError
		rebased.Fields.UpdatedAt = next.Fields.UpdatedAt
		*next = rebased
		return err
	})
}

// rejectAfterWriteError records REJECTED with the store error when the
// outcome of a delivery could not be written. It makes a single attempt.
func (o *Outbox) rejectAfterWriteError(ctx context.Context, next *collection.Document[Message], cause error) error {
	cur, err := o.coll.Get(ctx, next.ID)
	if err != nil {
		return err
	}
	if cur.Fields.Status != StatusSent {
		return errSuperseded
	}
	cur.Fields.Status = StatusRejected
	cur.Fields.Attempts = next.Fields.Attempts
	cur.Fields.LastError = "write outcome: " + cause.Error()
	cur.Fields.UpdatedAt = time.Now().UTC()
	_, err = o.coll.Replace(ctx, cur)
	return err
}

func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	return reflect.DeepEqual(x, y)
}

func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, fmt.Errorf("%w: body is not valid JSON", errors.ErrInvalidRequest)
		}
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
		}
		return data, nil
	}
}

func matches(s Status, want []Status) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}
