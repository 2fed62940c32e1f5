package workerproc

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by Execute when the worker cannot accept a
// checkout in its current state.
var ErrNotReady = errors.New("workerproc: worker is not ready")

// ErrTimeout is returned by Execute when the caller's deadline elapses
// before a matching response arrives. It is never fatal to the worker
// (spec: "return a timeout error without killing the worker").
var ErrTimeout = errors.New("workerproc: request timed out")

// ErrStopped is returned to any call in flight when the worker is torn
// down out from under it.
var ErrStopped = errors.New("workerproc: worker stopped")

// FramingError wraps any failure in the wire protocol itself — a write
// failure, a read failure, a response that fails to decode, or a response
// whose id doesn't match the one outstanding request. It is always fatal:
// the worker transitions to terminating and is reaped.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("workerproc: framing error: %v", e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// isFatal reports whether err must terminate the worker, per §4.1's
// failure semantics: a framing error is fatal, a timeout or a well-formed
// command-level error is not.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FramingError
	return errors.As(err, &fe)
}
