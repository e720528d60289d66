package worker

import "fmt"

// State is the lifecycle state of the supervised worker slot.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateExited
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

var transitions = map[State][]State{
	StateNotStarted: {StateStarting},
	StateStarting:   {StateReady, StateExited},
	StateReady:      {StateExited},
	StateExited:     {StateStarting},
}

// CanTransition reports whether to is a legal next state.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
