// Package errdefs defines the engine's error taxonomy.
//
// Every engine error is one of five typed errors. Each matches its sentinel
// through errors.Is and carries a short message plus an actionable hint.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, one per taxonomy class.
var (
	// ErrGraphIntegrity marks structural graph problems detected before execution.
	ErrGraphIntegrity = errors.New("graph integrity error")

	// ErrCapabilityDenied marks a node whose grant is missing a required scope.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrInstantiation marks compile or binding failures.
	ErrInstantiation = errors.New("instantiation failure")

	// ErrExecution marks traps, invalid output and timeouts inside a component.
	ErrExecution = errors.New("execution error")

	// ErrSupervisor marks continuous node lifecycle failures.
	ErrSupervisor = errors.New("supervisor error")
)

// Hinter is implemented by errors that carry a recovery hint.
type Hinter interface {
	Hint() string
}

// HintOf returns the first hint found in err's chain, or "".
func HintOf(err error) string {
	var h Hinter
	if errors.As(err, &h) {
		return h.Hint()
	}
	return ""
}

// GraphIntegrityError lists structural problems with a graph.
type GraphIntegrityError struct {
	Problems []string
	NodeID   string
}

// NewGraphIntegrity builds a GraphIntegrityError for a single problem.
func NewGraphIntegrity(nodeID, format string, args ...any) *GraphIntegrityError {
	return &GraphIntegrityError{NodeID: nodeID, Problems: []string{fmt.Sprintf(format, args...)}}
}

func (e *GraphIntegrityError) Error() string {
	return fmt.Sprintf("graph integrity: %s", strings.Join(e.Problems, "; "))
}

func (e *GraphIntegrityError) Hint() string {
	return "fix the graph (remove the cycle, reconnect or set the input, or correct the port types) and run again"
}

func (e *GraphIntegrityError) Is(target error) bool {
	return target == ErrGraphIntegrity
}

// CapabilityDeniedError reports the requirement a grant does not cover.
type CapabilityDeniedError struct {
	ComponentID string
	Requirement string
	Reason      string
}

func (e *CapabilityDeniedError) Error() string {
	msg := "capability denied for " + e.ComponentID
	if e.Requirement != "" {
		msg += ": " + e.Requirement
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *CapabilityDeniedError) Hint() string {
	if e.Requirement == "" {
		return fmt.Sprintf("re-approve the capabilities of component %s and run again", e.ComponentID)
	}
	return fmt.Sprintf("approve %q for component %s and run again", e.Requirement, e.ComponentID)
}

func (e *CapabilityDeniedError) Is(target error) bool {
	return target == ErrCapabilityDenied
}

// InstantiationError reports a compile or binding failure.
type InstantiationError struct {
	Err         error
	ComponentID string
	Stage       string // "compile" or "instantiate"
	Permanent   bool
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.ComponentID, e.Err)
}

func (e *InstantiationError) Unwrap() error { return e.Err }

func (e *InstantiationError) Hint() string {
	if e.Permanent {
		return "the component binary is invalid; rebuild and re-register it"
	}
	return "check host resources and the component's capability grant, then retry"
}

func (e *InstantiationError) Is(target error) bool {
	return target == ErrInstantiation
}

// ExecutionError reports a failure inside a component invocation.
type ExecutionError struct {
	Err         error
	ComponentID string
	Input       string // offending input port, when attributable
	Message     string
	Remedy      string
	Timeout     bool
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString("execution of ")
	b.WriteString(e.ComponentID)
	b.WriteString(" failed")
	if e.Input != "" {
		b.WriteString(" on input ")
		b.WriteString(e.Input)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Hint() string {
	switch {
	case e.Remedy != "":
		return e.Remedy
	case e.Timeout:
		return "the component exceeded its time limit; reduce the input size or raise the timeout"
	case e.Input != "":
		return fmt.Sprintf("check the value supplied to input %q", e.Input)
	default:
		return "inspect the component logs; the component may have a bug"
	}
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

// SupervisorError reports a continuous node lifecycle failure.
type SupervisorError struct {
	Err    error
	NodeID string
	Phase  string // "setup", "iterate", "stop"
}

func (e *SupervisorError) Error() string {
	return fmt.Sprintf("continuous node %s failed during %s: %v", e.NodeID, e.Phase, e.Err)
}

func (e *SupervisorError) Unwrap() error { return e.Err }

func (e *SupervisorError) Hint() string {
	if h := HintOf(e.Err); h != "" {
		return h
	}
	return "reset the node and start it again"
}

func (e *SupervisorError) Is(target error) bool {
	return target == ErrSupervisor
}
