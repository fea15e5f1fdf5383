package orchestrator

import (
	"fmt"
	"strings"
)

// OperationState is the lifecycle state of an operation.
type OperationState string

const (
	StatePending    OperationState = "PENDING"
	StateInProgress OperationState = "IN_PROGRESS"
	StateCompleted  OperationState = "COMPLETED"
	StateFailed     OperationState = "FAILED"
)

// AllStates lists every operation state in lifecycle order.
var AllStates = []OperationState{StatePending, StateInProgress, StateCompleted, StateFailed}

func ParseOperationState(raw string) (OperationState, error) {
	state := OperationState(strings.ToUpper(strings.TrimSpace(raw)))
	switch state {
	case StatePending, StateInProgress, StateCompleted, StateFailed:
		return state, nil
	}
	return "", invalidArgument("state", fmt.Sprintf("unknown operation state %q", raw))
}

// IsTerminal reports whether no further transition is possible.
func (s OperationState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s OperationState) String() string { return string(s) }

// WriteAheadState tracks whether a recorded outcome has been applied to the operation.
type WriteAheadState string

const (
	WriteAheadPending   WriteAheadState = "PENDING"
	WriteAheadCompleted WriteAheadState = "COMPLETED"
)

func (s WriteAheadState) String() string { return string(s) }

var allowedTransitions = map[OperationState]map[OperationState]struct{}{
	StatePending:    {StateInProgress: {}},
	StateInProgress: {StateCompleted: {}, StateFailed: {}},
}

// ValidateTransition is the single check every state change goes through.
func ValidateTransition(from, to OperationState) error {
	if targets, ok := allowedTransitions[from]; ok {
		if _, ok := targets[to]; ok {
			return nil
		}
	}
	return NewError(ErrInvalidTransition, fmt.Sprintf("invalid transition %s -> %s", from, to), nil, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

// Transition returns to when the move from -> to is allowed.
func Transition(from, to OperationState) (OperationState, error) {
	if err := ValidateTransition(from, to); err != nil {
		return from, err
	}
	return to, nil
}

// CanTransition is ValidateTransition as a predicate.
func CanTransition(from, to OperationState) bool {
	return ValidateTransition(from, to) == nil
}
