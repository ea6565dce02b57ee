package event

import (
	"errors"
	"strconv"

	"github.com/dshills/nexus/internal/event/dispatch"
)

// Sentinel errors for event sources and participants.
var (
	// ErrNotCallable is returned when a connect call is given a nil handler.
	ErrNotCallable = errors.New("handler is not callable")

	// ErrNilReceiver is returned when a handler is bound to a nil receiver.
	ErrNilReceiver = errors.New("receiver cannot be nil when a handler is given")

	// ErrInvalidMode is returned for a connection mode outside the known set.
	ErrInvalidMode = errors.New("invalid connection mode")

	// ErrNoRunningLoop is returned when no loop is available: an object was
	// constructed outside a loop, or a deferred delivery without a receiver
	// was emitted outside a loop.
	ErrNoRunningLoop = errors.New("no running loop")

	// ErrLoopNotRunning is returned when the owning loop does not accept work.
	ErrLoopNotRunning = dispatch.ErrLoopNotRunning

	// ErrSourceType is returned when a named source is requested with a
	// payload type different from the one it was created with.
	ErrSourceType = errors.New("event source payload type mismatch")

	// ErrHandlerPanic matches a PanicError with errors.Is.
	ErrHandlerPanic = dispatch.ErrHandlerPanic
)

// HandlerError wraps an error returned by a handler with delivery context.
type HandlerError struct {
	// Source is the name of the emitting source.
	Source string

	// ConnectionID identifies the connection whose handler failed.
	ConnectionID uint64

	// Mode is the resolved delivery mode.
	Mode Mode

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return "handler error for connection " + strconv.FormatUint(e.ConnectionID, 10) +
		" on source " + e.Source + " (" + e.Mode.String() + "): " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PanicError wraps a handler panic as an error.
type PanicError struct {
	// Source is the name of the emitting source.
	Source string

	// ConnectionID identifies the connection whose handler panicked.
	ConnectionID uint64

	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace at the time of the panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return "handler panic for connection " + strconv.FormatUint(e.ConnectionID, 10) + " on source " + e.Source
}

// Is allows errors.Is to match PanicError with ErrHandlerPanic.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanic
}

// resultError converts a dispatch result into a typed error, or nil.
func resultError(source string, id uint64, mode Mode, r dispatch.Result) error {
	switch {
	case r.Panicked:
		return &PanicError{Source: source, ConnectionID: id, Value: r.PanicValue, Stack: string(r.PanicStack)}
	case r.Error != nil:
		return &HandlerError{Source: source, ConnectionID: id, Mode: mode, Err: r.Error}
	default:
		return nil
	}
}
