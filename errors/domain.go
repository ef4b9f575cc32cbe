package errors

import (
	"errors"
	"fmt"
)

// Document store and delivery errors.
var (
	// ErrInvalidID is returned for an empty or undecodable local id, and for
	// collection names that cannot be namespaced. Never retried.
	ErrInvalidID = errors.New("invalid id")

	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("document update conflict")

	// ErrInvalidRequest is returned when the store rejects a request as malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTransportFailure marks a failed delivery attempt.
	ErrTransportFailure = errors.New("transport failure")
)

// ConflictError reports an optimistic-concurrency violation on a physical key.
type ConflictError struct {
	Key string
	Err error
}

// NewConflict returns a conflict error for key.
func NewConflict(key string) *ConflictError {
	return &ConflictError{Key: key}
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict on %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("conflict on %q", e.Key)
}

// Is makes errors.Is(err, ErrConflict) true for any ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// InvalidIDf returns an ErrInvalidID carrying a formatted reason.
func InvalidIDf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidID, fmt.Sprintf(format, args...))
}

// TransportFailure wraps a delivery error so that it matches ErrTransportFailure.
func TransportFailure(to string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: deliver to %s: %w", ErrTransportFailure, to, err)
}

// IsInvalidID reports whether err is an id validation error.
func IsInvalidID(err error) bool {
	return errors.Is(err, ErrInvalidID)
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// ConflictKey extracts the physical key of a conflict error.
func ConflictKey(err error) (string, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Key, true
	}
	return "", false
}

// Is and As re-export the standard library helpers so callers importing this
// package under the name errors keep access to them.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// New is errors.New.
func New(text string) error { return errors.New(text) }
