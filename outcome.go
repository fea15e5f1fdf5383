package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of one execution attempt. It is exactly one of Ok, Retry or Fail;
// consumers switch over the three variants.
type Outcome interface {
	isOutcome()
	String() string
}

// Ok reports a successful execution.
type Ok struct {
	OpID    OpID
	Message string
}

// Retry reports a transient failure that may be attempted again.
type Retry struct {
	Reason         string
	AttemptCount   int
	NextRetryAfter time.Duration
}

// Fail reports a permanent failure.
type Fail struct {
	ErrorCode string
	Message   string
	Cause     string
}

func (Ok) isOutcome()    {}
func (Retry) isOutcome() {}
func (Fail) isOutcome()  {}

func (o Ok) String() string { return fmt.Sprintf("Ok(%s, %q)", o.OpID, o.Message) }
func (r Retry) String() string {
	return fmt.Sprintf("Retry(%q, attempt=%d, after=%s)", r.Reason, r.AttemptCount, r.NextRetryAfter)
}
func (f Fail) String() string { return fmt.Sprintf("Fail(%s, %q)", f.ErrorCode, f.Message) }

func NewOk(opID OpID, message string) (Ok, error) {
	o := Ok{OpID: opID, Message: message}
	return o, ValidateOutcome(o)
}

func NewRetry(reason string, attemptCount int, nextRetryAfter time.Duration) (Retry, error) {
	r := Retry{Reason: reason, AttemptCount: attemptCount, NextRetryAfter: nextRetryAfter}
	return r, ValidateOutcome(r)
}

func NewFail(errorCode, message, cause string) (Fail, error) {
	f := Fail{ErrorCode: errorCode, Message: message, Cause: cause}
	return f, ValidateOutcome(f)
}

// ValidateOutcome checks the variant invariants. A nil outcome is invalid.
func ValidateOutcome(o Outcome) error {
	switch v := o.(type) {
	case Ok:
		if v.OpID.IsZero() {
			return invalidArgument("op_id", "ok outcome requires an op id")
		}
	case Retry:
		if strings.TrimSpace(v.Reason) == "" {
			return invalidArgument("reason", "retry outcome requires a reason")
		}
		if v.AttemptCount < 1 {
			return invalidArgument("attempt_count", "retry attempt count must be >= 1")
		}
		if v.NextRetryAfter < 0 {
			return invalidArgument("next_retry_after", "retry delay must be >= 0")
		}
	case Fail:
		if strings.TrimSpace(v.ErrorCode) == "" {
			return invalidArgument("error_code", "fail outcome requires an error code")
		}
		if strings.TrimSpace(v.Message) == "" {
			return invalidArgument("message", "fail outcome requires a message")
		}
	case nil:
		return invalidArgument("outcome", "outcome is required")
	default:
		return invalidArgument("outcome", fmt.Sprintf("unknown outcome %T", o))
	}
	return nil
}

// TerminalStateFor maps an outcome to the state it finalizes into. A Retry reaching
// finalization is treated as a failure.
func TerminalStateFor(o Outcome) OperationState {
	if _, ok := o.(Ok); ok {
		return StateCompleted
	}
	return StateFailed
}
