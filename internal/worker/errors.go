package worker

import (
	"errors"

	"github.com/dshills/nexus/internal/loop"
)

// Sentinel errors for workers.
var (
	// ErrInvalidState is returned by Start and Stop when called from a state
	// that does not allow the transition.
	ErrInvalidState = errors.New("worker: invalid state transition")

	// ErrNotStarted is returned when an operation needs a started worker.
	ErrNotStarted = errors.New("worker: not started")

	// ErrInvalidTask is returned when a nil task is queued.
	ErrInvalidTask = errors.New("worker: invalid task")

	// ErrQueueFull is returned when the task queue has no free slot.
	ErrQueueFull = errors.New("worker: task queue full")

	// ErrNotParticipant is returned by CopyAffinity when the target does not
	// implement event.Participant.
	ErrNotParticipant = errors.New("worker: target is not an event participant")

	// ErrShutdownTimeout is returned by Stop when the worker did not finish
	// within the join timeout.
	ErrShutdownTimeout = loop.ErrShutdownTimeout
)
