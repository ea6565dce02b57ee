package event

import "time"

// DropReason describes why a delivery was not made.
type DropReason string

const (
	// DropNoLoop means no target loop could be resolved.
	DropNoLoop DropReason = "no_loop"

	// DropLoopNotRunning means the target loop was not accepting work.
	DropLoopNotRunning DropReason = "loop_not_running"
)

// Observer receives delivery notifications from sources. Implementations
// must be safe for concurrent use and must not block.
type Observer interface {
	// Emitted is called once per Emit with the number of connections in the snapshot.
	Emitted(source string, connections int)

	// Delivered is called after a handler has run.
	Delivered(source string, mode Mode, d time.Duration, err error)

	// Dropped is called when a delivery was not made.
	Dropped(source string, reason DropReason)

	// Pruned is called when dead weak connections are removed.
	Pruned(source string, n int)
}

type nopObserver struct{}

func (nopObserver) Emitted(string, int) {}
func (nopObserver) Delivered(string, Mode, time.Duration, error) {}
func (nopObserver) Dropped(string, DropReason) {}
func (nopObserver) Pruned(string, int) {}
