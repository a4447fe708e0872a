package pairing

import (
	"fmt"
	"slices"
)

// State represents a pairing session state.
type State string

const (
	// Idle is the initial state, before an artifact has been issued.
	Idle State = "IDLE"
	// AwaitingScan means an artifact is live and the connection state is
	// being polled.
	AwaitingScan State = "AWAITING_SCAN"
	// Connected is the success terminal state.
	Connected State = "CONNECTED"
	// Expired is the terminal state reached when the artifact outlived its
	// validity without a scan. User-visible; never silently retried.
	Expired State = "EXPIRED"
	// Cancelled is the terminal state reached when the owner abandoned the
	// session before resolution.
	Cancelled State = "CANCELLED"
)

// validTransitions defines allowed state transitions. Idle can jump straight
// to Connected when the gateway reports the instance already open.
var validTransitions = map[State][]State{
	Idle:         {AwaitingScan, Connected, Cancelled},
	AwaitingScan: {Connected, Expired, Cancelled},
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == Connected || s == Expired || s == Cancelled
}

// transition validates a state change. Callers hold the session lock.
func transition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid pairing transition from %s to %s", from, to)
	}
	return nil
}
