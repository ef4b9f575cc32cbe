package memstore

import (
	"context"
	"sync"

	"github.com/aspen-cloud/aspen-sdk/docstore"
)

// listener buffers events for one feed so that writers never wait on readers.
type listener struct {
	includeDocs bool
	feed        *docstore.StreamFeed

	mu      sync.Mutex
	queue   []docstore.ChangeEvent
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newListener(includeDocs bool, backlog []docstore.ChangeEvent, onClose func()) *listener {
	l := &listener{
		includeDocs: includeDocs,
		queue:       backlog,
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
	l.feed = docstore.NewStreamFeed(func() {
		onClose()
		l.stop()
	})
	if len(backlog) > 0 {
		l.wake <- struct{}{}
	}
	return l
}

// push is called with the store lock held.
func (l *listener) push(ev docstore.ChangeEvent) {
	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.stopped) })
}

func (l *listener) run(ctx context.Context) {
	defer l.feed.Finish(nil)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, ev := range batch {
			select {
			case <-l.stopped:
				return
			case <-ctx.Done():
				return
			default:
			}
			if !l.feed.Send(ev) {
				return
			}
		}

		select {
		case <-l.wake:
		case <-l.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}
