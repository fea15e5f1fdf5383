package orchestrator

import "strings"

// OperationHandle is what Submit returns: either the finished outcome or a URL to poll.
type OperationHandle struct {
	opID      OpID
	outcome   Outcome
	statusURL string
}

// CompletedHandle carries an outcome observed within the time budget.
func CompletedHandle(opID OpID, outcome Outcome) (*OperationHandle, error) {
	if opID.IsZero() {
		return nil, invalidArgument("op_id", "handle op id is required")
	}
	if err := ValidateOutcome(outcome); err != nil {
		return nil, err
	}
	return &OperationHandle{opID: opID, outcome: outcome}, nil
}

// AsyncHandle carries the status URL of an operation still in flight.
func AsyncHandle(opID OpID, statusURL string) (*OperationHandle, error) {
	if opID.IsZero() {
		return nil, invalidArgument("op_id", "handle op id is required")
	}
	if strings.TrimSpace(statusURL) == "" {
		return nil, invalidArgument("status_url", "async handle requires a status url")
	}
	return &OperationHandle{opID: opID, statusURL: statusURL}, nil
}

func (h *OperationHandle) OpID() OpID { return h.opID }

// CompletedFast reports whether the outcome was available before the budget elapsed.
func (h *OperationHandle) CompletedFast() bool { return h.outcome != nil }

// Outcome is nil for async handles.
func (h *OperationHandle) Outcome() Outcome { return h.outcome }

// StatusURL is empty for completed handles.
func (h *OperationHandle) StatusURL() string { return h.statusURL }
