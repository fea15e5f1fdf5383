// Package executor wraps business handlers with the protection guards and turns every
// failure mode, including panics and timeouts, into an Outcome.
package executor

import (
	"context"
	"errors"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/protection"
)

// Retry reasons produced by the guards.
const (
	ReasonCircuitOpen  = "circuit_open"
	ReasonBulkheadFull = "bulkhead_full"
	ReasonRateLimited  = "rate_limited"
	ReasonTimeout      = "timeout"
	ReasonCanceled     = "canceled"
)

// Handler runs the business logic of one envelope.
type Handler func(ctx context.Context, env orchestrator.Envelope) orchestrator.Outcome

// Protected is an orchestrator.Executor applying, in order, the per-attempt timeout, the
// circuit breaker, the bulkhead and the rate limiter before calling the handler.
// Rejections become Retry outcomes so the worker reschedules them with backoff.
type Protected struct {
	handler Handler

	breaker  protection.CircuitBreaker
	limiter  protection.RateLimiter
	bulkhead protection.Bulkhead
	timeout  protection.TimeoutPolicy
	hedge    protection.HedgePolicy

	logger      orchestrator.Logger
	panicLogger PanicLogger
	now         func() time.Time
}

var _ orchestrator.Executor = (*Protected)(nil)

func New(handler Handler, opts ...Option) *Protected {
	p := &Protected{
		handler:  handler,
		breaker:  protection.NoOpCircuitBreaker{},
		limiter:  protection.NoOpRateLimiter{},
		bulkhead: protection.NoOpBulkhead{},
		timeout:  protection.NoOpTimeoutPolicy{},
		hedge:    protection.NoOpHedgePolicy{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = orchestrator.NormalizeLogger(p.logger)
	if p.panicLogger == nil {
		p.panicLogger = LogPanic(p.logger)
	}
	return p
}

func (p *Protected) Execute(ctx context.Context, env orchestrator.Envelope) orchestrator.Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	opID := env.OpID()
	attempt := orchestrator.AttemptFromContext(ctx)
	logger := orchestrator.WithLoggerFields(p.logger.WithContext(ctx),
		orchestrator.MergeFields(env.LogFields(), map[string]any{"attempt": attempt}))
	reject := func(reason string) orchestrator.Outcome {
		logger.Debug("execution rejected: %s", reason)
		return orchestrator.Retry{Reason: reason, AttemptCount: attempt}
	}
	if p.handler == nil {
		return orchestrator.Fail{ErrorCode: "EXECUTOR_NOT_CONFIGURED", Message: "no handler configured"}
	}

	attemptCtx := ctx
	limit := p.timeout.PerAttemptTimeout(opID)
	if limit > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	if !p.breaker.TryAcquire(opID) {
		return reject(ReasonCircuitOpen)
	}
	if !p.bulkhead.TryAcquireWithin(attemptCtx, opID, p.bulkhead.Config().MaxWait) {
		return reject(ReasonBulkheadFull)
	}
	defer p.bulkhead.Release(opID)
	if !p.limiter.TryAcquire(opID) {
		return reject(ReasonRateLimited)
	}

	started := p.now()
	outcome, wasHedge, err := p.call(attemptCtx, env)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			elapsed := p.now().Sub(started)
			p.timeout.RecordTimeout(opID, elapsed)
			p.breaker.RecordFailure(opID, err)
			logger.Warn("attempt timed out after %s", elapsed)
			return orchestrator.Retry{Reason: ReasonTimeout, AttemptCount: attempt}
		}
		logger.Debug("attempt abandoned: %v", err)
		return orchestrator.Retry{Reason: ReasonCanceled, AttemptCount: attempt}
	}

	switch outcome.(type) {
	case orchestrator.Ok:
		p.breaker.RecordSuccess(opID)
		p.hedge.RecordSuccess(opID, wasHedge)
	case nil:
		p.breaker.RecordFailure(opID, errors.New("handler returned no outcome"))
	default:
		p.breaker.RecordFailure(opID, errors.New(outcome.String()))
	}
	return outcome
}

type attemptResult struct {
	outcome orchestrator.Outcome
	hedge   int
}

// call runs the handler and, when the hedge policy asks for it, duplicate attempts each
// HedgeDelay after the previous one. The first outcome wins and the others are canceled.
func (p *Protected) call(ctx context.Context, env orchestrator.Envelope) (orchestrator.Outcome, bool, error) {
	opID := env.OpID()
	maxHedges := 0
	if p.hedge.ShouldHedge(opID) {
		maxHedges = p.hedge.MaxHedges(opID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan attemptResult, maxHedges+1)
	launch := func(hedge int) {
		go func() {
			results <- attemptResult{outcome: p.invoke(runCtx, env), hedge: hedge}
		}()
	}
	launch(0)

	var hedgeTimer <-chan time.Time
	launched := 0
	if maxHedges > 0 {
		hedgeTimer = time.After(p.hedge.HedgeDelay(opID))
	}
	for {
		select {
		case r := <-results:
			return r.outcome, r.hedge > 0, nil
		case <-hedgeTimer:
			launched++
			p.hedge.RecordHedgeAttempt(opID, launched)
			launch(launched)
			hedgeTimer = nil
			if launched < maxHedges {
				hedgeTimer = time.After(p.hedge.HedgeDelay(opID))
			}
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (p *Protected) invoke(ctx context.Context, env orchestrator.Envelope) (outcome orchestrator.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = panicOutcome(env, r, p.panicLogger)
		}
	}()
	return p.handler(ctx, env)
}
