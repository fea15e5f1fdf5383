package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	outcomeKindOk    = "ok"
	outcomeKindRetry = "retry"
	outcomeKindFail  = "fail"
)

type outcomeRecord struct {
	Kind             string `json:"kind"`
	OpID             string `json:"op_id,omitempty"`
	Message          string `json:"message,omitempty"`
	Reason           string `json:"reason,omitempty"`
	AttemptCount     int    `json:"attempt_count,omitempty"`
	NextRetryAfterMs int64  `json:"next_retry_after_ms,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	Cause            string `json:"cause,omitempty"`
}

// MarshalOutcome encodes an outcome with a kind discriminator.
func MarshalOutcome(o Outcome) ([]byte, error) {
	if err := ValidateOutcome(o); err != nil {
		return nil, err
	}
	var rec outcomeRecord
	switch v := o.(type) {
	case Ok:
		rec = outcomeRecord{Kind: outcomeKindOk, OpID: v.OpID.String(), Message: v.Message}
	case Retry:
		rec = outcomeRecord{
			Kind:             outcomeKindRetry,
			Reason:           v.Reason,
			AttemptCount:     v.AttemptCount,
			NextRetryAfterMs: v.NextRetryAfter.Milliseconds(),
		}
	case Fail:
		rec = outcomeRecord{Kind: outcomeKindFail, ErrorCode: v.ErrorCode, Message: v.Message, Cause: v.Cause}
	}
	return json.Marshal(rec)
}

// UnmarshalOutcome decodes an outcome written by MarshalOutcome.
func UnmarshalOutcome(data []byte) (Outcome, error) {
	var rec outcomeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, NewError(ErrInvalidArgument, "decode outcome", err, nil)
	}
	var out Outcome
	switch rec.Kind {
	case outcomeKindOk:
		id, err := ParseOpID(rec.OpID)
		if err != nil {
			return nil, err
		}
		out = Ok{OpID: id, Message: rec.Message}
	case outcomeKindRetry:
		out = Retry{
			Reason:         rec.Reason,
			AttemptCount:   rec.AttemptCount,
			NextRetryAfter: time.Duration(rec.NextRetryAfterMs) * time.Millisecond,
		}
	case outcomeKindFail:
		out = Fail{ErrorCode: rec.ErrorCode, Message: rec.Message, Cause: rec.Cause}
	default:
		return nil, invalidArgument("kind", fmt.Sprintf("unknown outcome kind %q", rec.Kind))
	}
	if err := ValidateOutcome(out); err != nil {
		return nil, err
	}
	return out, nil
}

type envelopeRecord struct {
	OpID       string    `json:"op_id"`
	Domain     string    `json:"domain"`
	EventType  string    `json:"event_type"`
	BizKey     string    `json:"biz_key"`
	IdemKey    string    `json:"idem_key"`
	Payload    []byte    `json:"payload"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// MarshalEnvelope encodes an envelope for durable storage or transport.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	if env.IsZero() {
		return nil, invalidArgument("envelope", "envelope is required")
	}
	cmd := env.Command()
	return json.Marshal(envelopeRecord{
		OpID:       env.OpID().String(),
		Domain:     cmd.Domain().String(),
		EventType:  cmd.EventType().String(),
		BizKey:     cmd.BizKey().String(),
		IdemKey:    cmd.IdemKey().String(),
		Payload:    cmd.payload,
		AcceptedAt: env.AcceptedAt(),
	})
}

// UnmarshalEnvelope decodes and revalidates an envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var rec envelopeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Envelope{}, NewError(ErrInvalidArgument, "decode envelope", err, nil)
	}
	id, err := ParseOpID(rec.OpID)
	if err != nil {
		return Envelope{}, err
	}
	cmd, err := ParseCommand(rec.Domain, rec.EventType, rec.BizKey, rec.IdemKey, rec.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return NewEnvelope(id, cmd, rec.AcceptedAt)
}
