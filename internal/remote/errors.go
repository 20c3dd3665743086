package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned by Set with FailIfExists when the record exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrPermissionDenied is returned when the store rejects an operation for the caller.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidPath is returned for malformed paths.
	ErrInvalidPath = errors.New("invalid path")
	// ErrDisconnected is returned when the store connection is down.
	ErrDisconnected = errors.New("store disconnected")
	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("store closed")
)

// WriteError wraps a failed write with the operation and path.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err) }

func (e *WriteError) Unwrap() error { return e.Err }

// SubscriptionError is delivered to onError when a live subscription fails.
type SubscriptionError struct {
	Path string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.Path, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// IsWriteError reports whether err came from a failed write.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}
