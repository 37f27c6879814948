package scaler

import (
	"errors"
	"fmt"
)

// Scaler errors.
var (
	// ErrNoMemory indicates the session table is full.
	ErrNoMemory = errors.New("scaler: out of memory")

	// ErrInternal indicates a queue or backend invariant was violated.
	ErrInternal = errors.New("scaler: internal error")

	// ErrBusy indicates the task pool has no free slot. Callers should retry
	// or drop the frame.
	ErrBusy = errors.New("scaler: busy")

	// ErrAborting indicates the session is draining an abort and accepts no
	// new task until it completes.
	ErrAborting = errors.New("scaler: session aborting")

	// ErrInterrupted indicates a wait was cancelled before it completed.
	ErrInterrupted = errors.New("scaler: interrupted")

	// ErrInvalidArgument indicates a malformed session config or task descriptor.
	ErrInvalidArgument = errors.New("scaler: invalid argument")

	// ErrInvalidHandle indicates the handle is stale or already closed.
	ErrInvalidHandle = errors.New("scaler: invalid handle")
)

// BackendError wraps an error returned by a backend operation.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

func newBackendError(b Backend, op string, err error) *BackendError {
	return &BackendError{
		Backend: b.Name(),
		Op:      op,
		Err:     err,
	}
}
