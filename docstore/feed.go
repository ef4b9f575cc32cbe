package docstore

import (
	"sync"
)

// StreamFeed is a Feed driven by a single producer goroutine.
//
// The producer calls Send for each event and Finish exactly once when it stops.
// Consumers read Events until it is closed. Close may be called any number of
// times from any goroutine.
type StreamFeed struct {
	events  chan ChangeEvent
	done    chan struct{}
	onClose func()

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewStreamFeed returns an open feed. onClose, if non-nil, runs once on the
// first Close.
func NewStreamFeed(onClose func()) *StreamFeed {
	return &StreamFeed{
		events:  make(chan ChangeEvent),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Events implements Feed.
func (f *StreamFeed) Events() <-chan ChangeEvent {
	return f.events
}

// Done is closed when the consumer closes the feed.
func (f *StreamFeed) Done() <-chan struct{} {
	return f.done
}

// Send hands ev to the consumer. It returns false once the feed is closed.
func (f *StreamFeed) Send(ev ChangeEvent) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.events <- ev:
		return true
	case <-f.done:
		return false
	}
}

// Finish records the producer's terminal error and closes Events. Errors that
// arrive after the consumer closed the feed are dropped.
func (f *StreamFeed) Finish(err error) {
	f.mu.Lock()
	select {
	case <-f.done:
	default:
		f.err = err
	}
	f.mu.Unlock()
	close(f.events)
}

// Err implements Feed.
func (f *StreamFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close implements Feed.
func (f *StreamFeed) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		close(f.done)
		f.mu.Unlock()
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}
