package worker

import "errors"

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrQueueFull is returned by Submit when the queue is at capacity. The
	// caller keeps ownership of the work item.
	ErrQueueFull    = errors.New("worker pool queue full")
	ErrNilProcessor = errors.New("worker pool processor is nil")
	ErrStopTimeout  = errors.New("worker pool stop timed out")
)
