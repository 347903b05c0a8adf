// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fault taxonomy. Closed-resource and precondition faults are plain
// sentinels surfaced at the call site; backend failures travel as
// StatusError with the failing operation attached. Faults raised by
// user callbacks are contained by the loop and never appear here.

package api

import (
	"errors"
	"fmt"
)

// Synchronous fault sentinels. An operation either fails with one of
// these immediately or is accepted by the backend; they are never
// delivered through a completion callback.
var (
	// ErrLoopClosed reports use of a loop whose backend was released.
	ErrLoopClosed = errors.New("loop is closed")

	// ErrHandleClosed reports use of a handle that is closing or closed.
	ErrHandleClosed = errors.New("handle is closing or closed")

	// ErrLoopBusy reports a close attempt while handles or requests
	// are still registered with the loop.
	ErrLoopBusy = errors.New("loop has registered handles or requests")

	// ErrInvalidAddress reports an address the transport cannot encode.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidArgument reports an argument outside the operation's
	// domain, such as a nil mandatory callback.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoPending reports an accept with an empty pending queue.
	ErrNoPending = errors.New("no pending connections or descriptors")

	// ErrAgain reports a non-blocking operation that would block.
	ErrAgain = errors.New("operation would block")

	// ErrNotPollable reports a descriptor a handle cannot adopt.
	ErrNotPollable = errors.New("descriptor cannot be adopted by this handle")

	// ErrSubmitQueueFull reports a saturated cross-thread submit ring.
	ErrSubmitQueueFull = errors.New("submit queue is full")

	// ErrNotSupported reports an operation the handle kind lacks.
	ErrNotSupported = errors.New("operation not supported")
)

// StatusError is a backend fault: a native operation returned a
// negative status code. Op names the operation as the caller knows it
// ("bind", "listen", "try_write").
type StatusError struct {
	Op     string
	Status Status
}

// NewStatusError builds a StatusError for op.
func NewStatusError(op string, st Status) *StatusError {
	return &StatusError{Op: op, Status: st}
}

func (e *StatusError) Error() string {
	if err := e.Status.Err(); err != nil {
		return fmt.Sprintf("%s: %v (%s)", e.Op, err, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// Unwrap exposes the underlying errno (or io.EOF) for errors.Is.
func (e *StatusError) Unwrap() error { return e.Status.Err() }
