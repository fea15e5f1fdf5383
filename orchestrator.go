package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMinTimeBudget    = 50 * time.Millisecond
	DefaultMaxTimeBudget    = 5000 * time.Millisecond
	DefaultPollInterval     = 10 * time.Millisecond
	DefaultStatusURLPattern = "/api/operations/{opId}/status"
)

// BoundaryPolicy decides what happens when the terminal state is first observed exactly
// at the end of the time budget.
type BoundaryPolicy string

const (
	// BoundaryAsync treats reaching the budget as exceeding it.
	BoundaryAsync BoundaryPolicy = "async"
	// BoundaryInclusive accepts a terminal observation made exactly at the budget.
	BoundaryInclusive BoundaryPolicy = "inclusive"
)

func ParseBoundaryPolicy(raw string) (BoundaryPolicy, error) {
	switch p := BoundaryPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return BoundaryAsync, nil
	case BoundaryAsync, BoundaryInclusive:
		return p, nil
	}
	return "", invalidArgument("boundary_policy", fmt.Sprintf("unknown boundary policy %q", raw))
}

// Orchestrator is the fast-path entry point. It keeps no per-call state.
type Orchestrator struct {
	idem  IdempotencyManager
	store Store
	bus   Bus

	minBudget        time.Duration
	maxBudget        time.Duration
	pollInterval     time.Duration
	boundary         BoundaryPolicy
	statusURLPattern string

	logger Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New wires the fast path over its collaborators.
func New(idem IdempotencyManager, store Store, bus Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		idem:             idem,
		store:            store,
		bus:              bus,
		minBudget:        DefaultMinTimeBudget,
		maxBudget:        DefaultMaxTimeBudget,
		pollInterval:     DefaultPollInterval,
		boundary:         BoundaryAsync,
		statusURLPattern: DefaultStatusURLPattern,
		logger:           NormalizeLogger(nil),
		now:              func() time.Time { return time.Now().UTC() },
		sleep:            sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.logger = NormalizeLogger(o.logger)
	return o
}

// Submit accepts cmd and waits up to timeBudget for a terminal outcome. It returns a
// completed handle when one is observed in time and an async handle otherwise. Invalid
// input is rejected before anything is stored or queued.
func (o *Orchestrator) Submit(ctx context.Context, cmd Command, timeBudget time.Duration) (*OperationHandle, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if timeBudget < o.minBudget || timeBudget > o.maxBudget {
		return nil, NewError(ErrInvalidArgument,
			fmt.Sprintf("time budget %s outside [%s, %s]", timeBudget, o.minBudget, o.maxBudget),
			nil, map[string]any{"field": "time_budget"})
	}

	opID, err := o.idem.GetOrCreate(ctx, IdempotencyKeyFrom(cmd))
	if err != nil {
		return nil, NewError(ErrStoreFailure, "resolve op id", err, nil)
	}

	start := o.now()
	env, err := NewEnvelope(opID, cmd, start)
	if err != nil {
		return nil, err
	}
	logger := WithLoggerFields(o.logger.WithContext(ctx), env.LogFields())

	created, err := o.store.Accept(ctx, env)
	if err != nil {
		return nil, NewError(ErrStoreFailure, "accept operation", err, map[string]any{"op_id": opID.String()})
	}
	if created {
		if err := o.bus.Publish(ctx, env, 0); err != nil {
			return nil, NewError(ErrBusFailure, "publish accepted operation", err, map[string]any{"op_id": opID.String()})
		}
		logger.Debug("operation accepted")
	} else {
		logger.Debug("duplicate submit resolved to existing operation")
	}

	for {
		state, stateErr := o.store.GetState(ctx, opID)
		elapsed := o.now().Sub(start)
		if stateErr != nil {
			logger.Warn("fast path state poll failed: %v", stateErr)
		} else if state.IsTerminal() && o.withinBudget(elapsed, timeBudget) {
			return o.completedHandle(ctx, opID, state)
		}
		if elapsed >= timeBudget {
			break
		}
		wait := o.pollInterval
		if remaining := timeBudget - elapsed; remaining < wait {
			wait = remaining
		}
		if err := o.sleep(ctx, wait); err != nil {
			logger.Debug("fast path wait interrupted: %v", err)
			break
		}
	}
	return AsyncHandle(opID, o.StatusURL(opID))
}

// Status reports the current state and, once terminal, the recorded outcome.
func (o *Orchestrator) Status(ctx context.Context, opID OpID) (OperationState, Outcome, error) {
	if err := o.validate(); err != nil {
		return "", nil, err
	}
	state, err := o.store.GetState(ctx, opID)
	if err != nil {
		return "", nil, err
	}
	if !state.IsTerminal() {
		return state, nil, nil
	}
	handle, err := o.completedHandle(ctx, opID, state)
	if err != nil {
		return state, nil, err
	}
	return state, handle.Outcome(), nil
}

// StatusURL renders the polling URL for opID.
func (o *Orchestrator) StatusURL(opID OpID) string {
	return strings.ReplaceAll(o.statusURLPattern, "{opId}", opID.String())
}

func (o *Orchestrator) withinBudget(elapsed, budget time.Duration) bool {
	if o.boundary == BoundaryInclusive {
		return elapsed <= budget
	}
	return elapsed < budget
}

func (o *Orchestrator) completedHandle(ctx context.Context, opID OpID, state OperationState) (*OperationHandle, error) {
	outcome, err := o.store.GetWriteAheadOutcome(ctx, opID)
	if err != nil || outcome == nil {
		if err != nil && !IsNotFound(err) {
			o.logger.WithContext(ctx).Warn("write-ahead outcome unavailable for %s: %v", opID, err)
		}
		outcome = synthesizeOutcome(opID, state)
	}
	return CompletedHandle(opID, outcome)
}

func synthesizeOutcome(opID OpID, state OperationState) Outcome {
	if state == StateCompleted {
		return Ok{OpID: opID, Message: "completed"}
	}
	return Fail{ErrorCode: "UNKNOWN_FAILURE", Message: "operation failed without a recorded outcome"}
}

func (o *Orchestrator) validate() error {
	if o == nil {
		return NewError(ErrInvalidArgument, "orchestrator not configured", nil, nil)
	}
	if o.idem == nil {
		return NewError(ErrInvalidArgument, "idempotency manager not configured", nil, nil)
	}
	if o.store == nil {
		return NewError(ErrInvalidArgument, "store not configured", nil, nil)
	}
	if o.bus == nil {
		return NewError(ErrInvalidArgument, "bus not configured", nil, nil)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
