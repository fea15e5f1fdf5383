package orchestrator

import (
	"context"
	"strings"
	"time"
)

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTimeBudgetBounds overrides the accepted time budget range.
func WithTimeBudgetBounds(lower, upper time.Duration) Option {
	return func(o *Orchestrator) {
		if lower > 0 && upper >= lower {
			o.minBudget = lower
			o.maxBudget = upper
		}
	}
}

// WithPollInterval sets how often the fast path checks the operation state.
func WithPollInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.pollInterval = interval
		}
	}
}

// WithBoundaryPolicy sets the tie-break for a result observed exactly at the budget.
func WithBoundaryPolicy(policy BoundaryPolicy) Option {
	return func(o *Orchestrator) {
		if policy == BoundaryAsync || policy == BoundaryInclusive {
			o.boundary = policy
		}
	}
}

// WithStatusURLPattern sets the URL template; {opId} is replaced by the operation id.
func WithStatusURLPattern(pattern string) Option {
	return func(o *Orchestrator) {
		if strings.Contains(pattern, "{opId}") {
			o.statusURLPattern = pattern
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		o.logger = NormalizeLogger(logger)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep overrides how the poll loop waits between checks.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}
