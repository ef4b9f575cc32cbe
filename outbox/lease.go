package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aspen-cloud/aspen-sdk/collection"
	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
)

const (
	leaseCollection = "_meta"
	leaseID         = "outbox-owner"
)

// ErrLeaseHeld is returned by Start when another live processor owns the outbox.
var ErrLeaseHeld = errors.New("outbox lease held by another owner")

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// lease is a single-owner token stored next to the outbox. It is taken and
// renewed through revisioned writes, so two processors racing for it cannot
// both win.
type lease struct {
	coll   *collection.Collection[leaseRecord]
	owner  string
	ttl    time.Duration
	logger *slog.Logger

	held atomic.Bool
	stop chan struct{}
	wg   sync.WaitGroup
}

func newLease(store docstore.Store, ttl time.Duration, logger *slog.Logger) (*lease, error) {
	coll, err := collection.New[leaseRecord](store, nil, leaseCollection, collection.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &lease{
		coll:   coll,
		owner:  uuid.NewString(),
		ttl:    ttl,
		logger: logger,
		stop:   make(chan struct{}),
	}, nil
}

// acquire takes or extends the lease. It fails with ErrLeaseHeld while an
// unexpired lease belongs to someone else.
func (l *lease) acquire(ctx context.Context) error {
	now := time.Now()
	taken := false
	_, err := l.coll.Update(ctx, leaseID, func(prev *collection.Document[leaseRecord]) (leaseRecord, bool) {
		taken = false
		if prev != nil && prev.Fields.Owner != l.owner && prev.Fields.ExpiresAt.After(now) {
			return leaseRecord{}, false
		}
		taken = true
		return leaseRecord{Owner: l.owner, ExpiresAt: now.Add(l.ttl)}, true
	})
	if err != nil {
		return err
	}
	if !taken {
		l.held.Store(false)
		return ErrLeaseHeld
	}
	l.held.Store(true)
	return nil
}

// keepAlive renews the lease every ttl/3 until release.
func (l *lease) keepAlive(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.acquire(ctx); err != nil {
					l.logger.Error("outbox lease renewal failed", "owner", l.owner, "error", err)
				}
			}
		}
	}()
}

// release stops renewal and expires the lease if this owner still holds it.
func (l *lease) release(ctx context.Context) error {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	l.wg.Wait()

	if !l.held.Swap(false) {
		return nil
	}
	_, err := l.coll.Update(ctx, leaseID, func(prev *collection.Document[leaseRecord]) (leaseRecord, bool) {
		if prev == nil || prev.Fields.Owner != l.owner {
			return leaseRecord{}, false
		}
		return leaseRecord{Owner: l.owner}, true
	})
	return err
}
