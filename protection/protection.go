// Package protection holds the guards the protected executor consults around each
// execution attempt: circuit breaker, rate limiter, bulkhead, per-attempt timeout and
// hedging. Every guard has a no-op implementation that admits everything.
package protection

import (
	"context"
	"math"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// CircuitState is the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

type CircuitBreaker interface {
	// TryAcquire reports whether a call may proceed.
	TryAcquire(opID orchestrator.OpID) bool
	RecordSuccess(opID orchestrator.OpID)
	RecordFailure(opID orchestrator.OpID, err error)
	State() CircuitState
	Reset()
}

type RateLimiter interface {
	// TryAcquire takes a permit without waiting.
	TryAcquire(opID orchestrator.OpID) bool
	// TryAcquireWithin waits up to timeout for a permit. It returns false early when ctx
	// ends or the permit cannot become available in time.
	TryAcquireWithin(ctx context.Context, opID orchestrator.OpID, timeout time.Duration) bool
	Config() RateLimiterConfig
}

type Bulkhead interface {
	TryAcquire(opID orchestrator.OpID) bool
	TryAcquireWithin(ctx context.Context, opID orchestrator.OpID, timeout time.Duration) bool
	// Release returns a slot taken by a successful acquire.
	Release(opID orchestrator.OpID)
	CurrentConcurrency() int
	Config() BulkheadConfig
}

type TimeoutPolicy interface {
	// PerAttemptTimeout bounds one execution attempt. Zero means unbounded.
	PerAttemptTimeout(opID orchestrator.OpID) time.Duration
	RecordTimeout(opID orchestrator.OpID, elapsed time.Duration)
}

type HedgePolicy interface {
	ShouldHedge(opID orchestrator.OpID) bool
	HedgeDelay(opID orchestrator.OpID) time.Duration
	MaxHedges(opID orchestrator.OpID) int
	RecordHedgeAttempt(opID orchestrator.OpID, hedge int)
	RecordSuccess(opID orchestrator.OpID, wasHedge bool)
}

// RateLimiterConfig configures a token bucket.
type RateLimiterConfig struct {
	PermitsPerSecond float64 `yaml:"permits_per_second"`
	MaxBurst         int     `yaml:"max_burst"`
}

func (c RateLimiterConfig) Validate() error {
	if c.PermitsPerSecond <= 0 || math.IsNaN(c.PermitsPerSecond) {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "permits per second must be positive", nil,
			map[string]any{"permits_per_second": c.PermitsPerSecond})
	}
	if c.MaxBurst <= 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "max burst must be positive", nil,
			map[string]any{"max_burst": c.MaxBurst})
	}
	return nil
}

// BulkheadConfig caps concurrent executions.
type BulkheadConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxWait       time.Duration `yaml:"max_wait"`
}

func (c BulkheadConfig) Validate() error {
	if c.MaxConcurrent <= 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "max concurrent must be positive", nil,
			map[string]any{"max_concurrent": c.MaxConcurrent})
	}
	if c.MaxWait < 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "max wait cannot be negative", nil,
			map[string]any{"max_wait": c.MaxWait.String()})
	}
	return nil
}

type NoOpCircuitBreaker struct{}

func (NoOpCircuitBreaker) TryAcquire(orchestrator.OpID) bool      { return true }
func (NoOpCircuitBreaker) RecordSuccess(orchestrator.OpID)        {}
func (NoOpCircuitBreaker) RecordFailure(orchestrator.OpID, error) {}
func (NoOpCircuitBreaker) State() CircuitState                    { return CircuitClosed }
func (NoOpCircuitBreaker) Reset()                                 {}

type NoOpRateLimiter struct{}

func (NoOpRateLimiter) TryAcquire(orchestrator.OpID) bool { return true }
func (NoOpRateLimiter) TryAcquireWithin(context.Context, orchestrator.OpID, time.Duration) bool {
	return true
}
func (NoOpRateLimiter) Config() RateLimiterConfig {
	return RateLimiterConfig{PermitsPerSecond: math.MaxFloat64, MaxBurst: math.MaxInt32}
}

type NoOpBulkhead struct{}

func (NoOpBulkhead) TryAcquire(orchestrator.OpID) bool { return true }
func (NoOpBulkhead) TryAcquireWithin(context.Context, orchestrator.OpID, time.Duration) bool {
	return true
}
func (NoOpBulkhead) Release(orchestrator.OpID) {}
func (NoOpBulkhead) CurrentConcurrency() int   { return 0 }
func (NoOpBulkhead) Config() BulkheadConfig {
	return BulkheadConfig{MaxConcurrent: math.MaxInt32}
}

type NoOpTimeoutPolicy struct{}

func (NoOpTimeoutPolicy) PerAttemptTimeout(orchestrator.OpID) time.Duration { return 0 }
func (NoOpTimeoutPolicy) RecordTimeout(orchestrator.OpID, time.Duration)    {}

type NoOpHedgePolicy struct{}

func (NoOpHedgePolicy) ShouldHedge(orchestrator.OpID) bool         { return false }
func (NoOpHedgePolicy) HedgeDelay(orchestrator.OpID) time.Duration { return 0 }
func (NoOpHedgePolicy) MaxHedges(orchestrator.OpID) int            { return 0 }
func (NoOpHedgePolicy) RecordHedgeAttempt(orchestrator.OpID, int)  {}
func (NoOpHedgePolicy) RecordSuccess(orchestrator.OpID, bool)      {}
