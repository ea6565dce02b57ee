package dispatch

import "errors"

// Sentinel errors for the dispatch package.
var (
	// ErrNoLoop is returned when a deferred delivery has no target loop.
	ErrNoLoop = errors.New("no target loop for deferred delivery")

	// ErrLoopNotRunning is returned when the target loop does not accept work.
	ErrLoopNotRunning = errors.New("target loop is not running")

	// ErrHandlerPanic is wrapped by Result.Err when the handler panicked.
	ErrHandlerPanic = errors.New("handler panicked")
)
