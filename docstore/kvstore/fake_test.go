package kvstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeBucket is an in-memory jetstream.KeyValue covering the calls the store
// makes. Watchers ignore options and always replay the latest entries first.
type fakeBucket struct {
	jetstream.KeyValue

	mu       sync.Mutex
	seq      uint64
	latest   map[string]*fakeEntry
	watchers map[*fakeWatcher]struct{}
	getErr   error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		latest:   make(map[string]*fakeEntry),
		watchers: make(map[*fakeWatcher]struct{}),
	}
}

func (b *fakeBucket) Bucket() string { return "docs" }

func (b *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, b.getErr
	}
	e, ok := b.latest[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (b *fakeBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.latest[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	return b.commitLocked(key, value), nil
}

func (b *fakeBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.latest[key]
	if !ok || e.revision != revision {
		last := uint64(0)
		if ok {
			last = e.revision
		}
		return 0, fmt.Errorf("nats: wrong last sequence: %d", last)
	}
	return b.commitLocked(key, value), nil
}

func (b *fakeBucket) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan string, len(b.latest))
	for key := range b.latest {
		ch <- key
	}
	close(ch)
	return fakeLister{keys: ch}, nil
}

func (b *fakeBucket) WatchAll(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make([]*fakeEntry, 0, len(b.latest))
	for _, e := range b.latest {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].revision < entries[j].revision })

	w := &fakeWatcher{bucket: b, updates: make(chan jetstream.KeyValueEntry, 1024)}
	for _, e := range entries {
		w.updates <- e
	}
	w.updates <- nil
	b.watchers[w] = struct{}{}
	return w, nil
}

func (b *fakeBucket) commitLocked(key string, value []byte) uint64 {
	b.seq++
	e := &fakeEntry{key: key, value: append([]byte(nil), value...), revision: b.seq}
	b.latest[key] = e
	for w := range b.watchers {
		w.updates <- e
	}
	return b.seq
}

func (b *fakeBucket) watcherCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}

type fakeWatcher struct {
	bucket  *fakeBucket
	updates chan jetstream.KeyValueEntry
	once    sync.Once
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }

func (w *fakeWatcher) Stop() error {
	w.once.Do(func() {
		w.bucket.mu.Lock()
		delete(w.bucket.watchers, w)
		w.bucket.mu.Unlock()
		close(w.updates)
	})
	return nil
}

type fakeLister struct {
	keys chan string
}

func (l fakeLister) Keys() <-chan string { return l.keys }
func (l fakeLister) Stop() error         { return nil }

type fakeEntry struct {
	key      string
	value    []byte
	revision uint64
}

func (e *fakeEntry) Bucket() string                  { return "docs" }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return e.revision }
func (e *fakeEntry) Created() time.Time              { return time.Time{} }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }
