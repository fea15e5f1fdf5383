package orchestrator

import (
	"context"
	"time"
)

// IdempotencyManager maps an idempotency key to exactly one OpID.
type IdempotencyManager interface {
	// GetOrCreate returns the existing OpID for key or atomically allocates one.
	// Concurrent callers with the same key all receive the same value.
	GetOrCreate(ctx context.Context, key IdempotencyKey) (OpID, error)
	// Find is a pure lookup.
	Find(ctx context.Context, key IdempotencyKey) (OpID, bool, error)
}

// Store persists operation state, envelopes and the write-ahead log.
//
// Implementations route every state change through ValidateTransition. WriteAhead and
// Finalize must tolerate duplicate calls: a second WriteAhead before finalization replaces
// the entry, and Finalize on an already terminal operation with the same state is a no-op.
type Store interface {
	// Accept stores the envelope with state PENDING if no record exists for its OpID.
	// It reports whether this call created the record.
	Accept(ctx context.Context, env Envelope) (bool, error)
	// MarkInProgress moves PENDING to IN_PROGRESS or, when already in progress, records a
	// further attempt. It returns the attempt number starting at 1. Terminal operations
	// return an ErrAlreadyFinalized error.
	MarkInProgress(ctx context.Context, opID OpID) (int, error)
	// WriteAhead durably records outcome with write-ahead state PENDING.
	WriteAhead(ctx context.Context, opID OpID, outcome Outcome) error
	// Finalize atomically sets the terminal state and marks the write-ahead entry COMPLETED.
	Finalize(ctx context.Context, opID OpID, state OperationState) error
	// ScanWA lists operations whose write-ahead entry is in state, oldest first.
	ScanWA(ctx context.Context, state WriteAheadState, batchSize int) ([]OpID, error)
	GetWriteAheadOutcome(ctx context.Context, opID OpID) (Outcome, error)
	// ScanInProgress lists IN_PROGRESS operations accepted more than olderThan ago, oldest first.
	ScanInProgress(ctx context.Context, olderThan time.Duration, batchSize int) ([]OpID, error)
	// ScanPending lists PENDING operations accepted more than olderThan ago, oldest first.
	// These were accepted but never picked up, usually because their publish was lost.
	ScanPending(ctx context.Context, olderThan time.Duration, batchSize int) ([]OpID, error)
	GetEnvelope(ctx context.Context, opID OpID) (Envelope, error)
	GetState(ctx context.Context, opID OpID) (OperationState, error)
}

// Bus is the work queue between the fast path and the workers.
type Bus interface {
	Publish(ctx context.Context, env Envelope, delay time.Duration) error
	// Dequeue returns up to batchSize due envelopes. It does not block waiting for work.
	Dequeue(ctx context.Context, batchSize int) ([]Envelope, error)
	Ack(ctx context.Context, env Envelope) error
	// Nack returns the envelope for redelivery.
	Nack(ctx context.Context, env Envelope) error
	PublishToDLQ(ctx context.Context, env Envelope, fail Fail) error
}

// Executor runs the business logic of one envelope. It reports failures as outcomes.
type Executor interface {
	Execute(ctx context.Context, env Envelope) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, env Envelope) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, env Envelope) Outcome {
	return f(ctx, env)
}

type attemptKey struct{}

// WithAttempt stores the durable attempt number on ctx for executors.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFromContext returns the attempt number, or 1 when none was set.
func AttemptFromContext(ctx context.Context) int {
	if ctx == nil {
		return 1
	}
	if n, ok := ctx.Value(attemptKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}
