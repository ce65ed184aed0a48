// Package channel implements the Channel Runtime of spec.md §4.5
// (component C5): the driver state machine, the polling loop that drains
// field reads into the Write Batcher, and the control/adjustment dispatch
// path. Grounded on the teacher's gen-server style (command channel +
// dedicated goroutine per long-lived object, see
// secondary/dataport/endpoint.go's run()) generalized from one DCP
// endpoint to one protocol-agnostic acquisition channel.
package channel

import "sync/atomic"

// State is one node of the spec.md §4.5 driver state machine.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Connecting
	Connected
	Error
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateHolder is an atomically-updated State. The drivers in package drivers
// do not use it; each keeps its State behind its own mutex.
type stateHolder struct {
	v int32
}

func (h *stateHolder) Load() State { return State(atomic.LoadInt32(&h.v)) }
func (h *stateHolder) Store(s State) { atomic.StoreInt32(&h.v, int32(s)) }

// validTransition encodes the diagram in spec.md §4.5; drivers set their
// State directly and do not call it. Connected can only be reached via
// Connecting; Closed is reachable from Connecting, Connected or Error
// (disconnect can happen mid-handshake).
func validTransition(from, to State) bool {
	switch from {
	case Uninitialized:
		return to == Initializing
	case Initializing:
		return to == Connecting || to == Error
	case Connecting:
		return to == Connected || to == Error || to == Closed
	case Connected:
		return to == Error || to == Closed
	case Error:
		return to == Initializing || to == Closed
	case Closed:
		return false
	default:
		return false
	}
}
