// Package workerproc owns exactly one external child process per Worker:
// starting it, framing requests/responses over its stdin/stdout pipes,
// probing its health, and exposing the Execute contract to a scheduler.
package workerproc

// State is a worker's position in its lifecycle state machine.
type State int32

const (
	// StateInitializing is set the instant the child process is started,
	// before its first health probe has succeeded.
	StateInitializing State = iota
	// StateReady means the worker has a healthy child and accepts checkouts.
	StateReady
	// StateBusy means a request is currently in flight on this worker.
	StateBusy
	// StateDegraded means a health probe has failed but the failure limit
	// has not yet been reached; the worker refuses new checkouts but may
	// finish work already in flight.
	StateDegraded
	// StateTerminating means the worker is being torn down: the child is
	// being signaled/killed and in-flight I/O is being unwound.
	StateTerminating
	// StateTerminated means teardown is complete; the worker must be
	// removed from any pool that holds it.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDegraded:
		return "degraded"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
