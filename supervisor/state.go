package supervisor

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a continuous node.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

var (
	// ErrInvalidTransition is returned when an action does not apply to the
	// node's current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrNotContinuous is returned for nodes driven by the engine.
	ErrNotContinuous = errors.New("node is not continuous")
)

// transitions lists the states each state may move to.
var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateStarting, StateIdle},
	StateError:    {StateIdle},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError names the rejected transition.
type TransitionError struct {
	NodeID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("node %s: cannot move from %s to %s", e.NodeID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// StateObserver is notified of every lifecycle transition. err is set when
// the node entered StateError.
type StateObserver interface {
	StateChanged(nodeID string, from, to State, err error)
}
