package worker

import "fmt"

// State represents the lifecycle state of a worker.
type State int32

const (
	// StateCreated indicates the worker has been created but never started.
	StateCreated State = iota
	// StateStarting indicates the worker loop is booting.
	StateStarting
	// StateStarted indicates the worker is running and accepts tasks.
	StateStarted
	// StateStopping indicates the worker is shutting down.
	StateStopping
	// StateStopped indicates the worker has stopped. It may be started again.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}
