package models

// State represents the lifecycle state of a workflow, task or action
// execution. Workflow and task executions share the same state set and the
// same transition table.
type State string

// Valid execution states
const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
	StateDelayed State = "DELAYED"
	StateSuccess State = "SUCCESS"
	StateError   State = "ERROR"
)

// validTransitions is the complete transition table. SUCCESS and ERROR are
// terminal; self-transitions are always permitted and treated as no-ops.
var validTransitions = map[State][]State{
	StateIdle:    {StateRunning, StateError},
	StateRunning: {StateStopped, StateDelayed, StateSuccess, StateError},
	StateStopped: {StateRunning, StateError},
	StateDelayed: {StateRunning, StateError},
	StateSuccess: {},
	StateError:   {},
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Finished reports whether s is terminal.
func (s State) Finished() bool {
	return s == StateSuccess || s == StateError
}

// StoppedOrFinished reports whether s is STOPPED or terminal. A workflow
// execution is completable once every scheduled task is in such a state.
func (s State) StoppedOrFinished() bool {
	return s == StateStopped || s.Finished()
}

// IsValidTransition reports whether from → to is an allowed transition.
// Unknown states are never valid; a self-transition of any valid state is.
func IsValidTransition(from, to State) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
