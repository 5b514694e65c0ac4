package bridge

import (
	"errors"
	"fmt"

	"github.com/seantiz/stowage/internal/backend"
)

// Bridge errors.
var (
	// ErrWorkerBootstrap is returned when the worker cannot be started or
	// never completes its handshake. No operation was attempted.
	ErrWorkerBootstrap = errors.New("worker bootstrap failed")

	// ErrWorkerDisconnected is returned for every pending and subsequent call
	// once the worker connection is lost.
	ErrWorkerDisconnected = errors.New("worker disconnected")

	// ErrWorkerTimeout is returned when a call's deadline expires before the
	// worker answers. The proxy remains usable.
	ErrWorkerTimeout = errors.New("worker request timed out")

	// ErrClosed is returned for calls made after Close.
	ErrClosed = errors.New("worker proxy closed")

	// ErrMessageTooLarge is returned when a request or response does not fit
	// in one frame. Nothing was written and the connection stays usable.
	ErrMessageTooLarge = errors.New("message too large")
)

// BootstrapError records which entry point failed to start.
// It matches ErrWorkerBootstrap and the underlying cause with errors.Is.
type BootstrapError struct {
	EntryPoint backend.EntryPoint
	Err        error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s worker %q: %v", e.EntryPoint.Transport, e.EntryPoint.Target, e.Err)
}

func (e *BootstrapError) Unwrap() []error {
	return []error{ErrWorkerBootstrap, e.Err}
}

func bootstrapError(ep backend.EntryPoint, err error) error {
	return &BootstrapError{EntryPoint: ep, Err: err}
}
