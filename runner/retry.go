package runner

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryStrategy computes the wait before the next attempt.
type RetryStrategy interface {
	// SleepDuration returns the delay after the given attempt. Attempts count from 0
	// for the first retry of a plain run and from the recorded attempt number for queued
	// operations.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the full answer to "should this be tried again, and when".
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider is implemented by strategies that can veto a retry.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy for a decision, falling back to SleepDuration.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy grows the delay as Base * Factor^attempt, adds a random
// spread of up to ±Jitter of that value and caps the result at Max.
//
//	ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    30 * time.Second,
//	    Jitter: 0.2,
//	}
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	// Jitter is a fraction in [0, 1].
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if jitter := clampUnit(e.Jitter); jitter > 0 && delay > 0 {
		random := e.Rand
		if random == nil {
			random = rand.Float64
		}
		delay += delay * jitter * (2*random() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1) || math.IsNaN(delay)) {
		return e.Max
	}
	return time.Duration(delay)
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// RetryPolicy bounds queued retries: an operation is retried while its attempt count
// stays below MaxRetries.
type RetryPolicy struct {
	MaxRetries int
	Strategy   RetryStrategy
}

// DefaultRetryPolicy is five attempts with 1s base exponential backoff capped at 5 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Strategy: ExponentialBackoffStrategy{
			Base:   time.Second,
			Factor: 2,
			Max:    5 * time.Minute,
			Jitter: 0.1,
		},
	}
}

// Decide applies the retry budget to attemptCount and computes the backoff.
func (p RetryPolicy) Decide(attemptCount int, err error) RetryDecision {
	if attemptCount >= p.MaxRetries {
		return RetryDecision{
			ShouldRetry: false,
			Metadata:    map[string]any{"attempt": attemptCount, "max_retries": p.MaxRetries},
		}
	}
	decision := DecideRetry(p.Strategy, attemptCount, err)
	if decision.Delay < 0 {
		decision.Delay = 0
	}
	return decision
}
