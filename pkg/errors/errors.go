// Package errors defines the failure taxonomy shared across the Daedalus
// orchestration layer.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates that a configuration failed validation
	// before any supervisor was spawned.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAlreadyStarted indicates that Start was called twice.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted indicates an operation that requires a running entity.
	ErrNotStarted = errors.New("not started")

	// ErrStopped indicates that work was submitted to a runtime that has
	// already been cancelled.
	ErrStopped = errors.New("runtime stopped")

	// ErrSetupFailed indicates that Setup raised before serving began.
	// Fatal to the owning supervisor; sibling replicas are unaffected.
	ErrSetupFailed = errors.New("setup failed")

	// ErrRuntimeFailed indicates that ServeForever raised after a
	// successful setup. Treated as implicit cancellation; teardown still
	// runs.
	ErrRuntimeFailed = errors.New("runtime failed")

	// ErrTeardownFailed indicates that Teardown raised. Best effort: it is
	// reported but does not reopen the state machine.
	ErrTeardownFailed = errors.New("teardown failed")

	// ErrCancellationTimeout indicates that Cancel was issued but
	// ServeForever did not unblock within the configured bound.
	ErrCancellationTimeout = errors.New("cancellation timed out")

	// ErrNotConnected indicates that the control connection is not
	// available for remote management.
	ErrNotConnected = errors.New("not connected")

	// ErrEntityNotFound indicates that a remote controller received a
	// request for an entity it does not manage.
	ErrEntityNotFound = errors.New("entity not found")
)

// Error represents a structured orchestration error.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsSetupFailure checks if an error originated in Setup
func IsSetupFailure(err error) bool {
	return errors.Is(err, ErrSetupFailed)
}

// IsRuntimeFailure checks if an error originated in ServeForever
func IsRuntimeFailure(err error) bool {
	return errors.Is(err, ErrRuntimeFailed)
}

// IsCancellationTimeout checks if an error is a cancellation timeout
func IsCancellationTimeout(err error) bool {
	return errors.Is(err, ErrCancellationTimeout)
}
