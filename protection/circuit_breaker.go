package protection

import (
	"sync"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// CircuitBreakerConfig configures a ConsecutiveFailureBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	// HalfOpenProbes is how many calls may run while half open. Defaults to 1.
	HalfOpenProbes int `yaml:"half_open_probes"`
}

func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "failure threshold must be positive", nil,
			map[string]any{"failure_threshold": c.FailureThreshold})
	}
	if c.ResetTimeout <= 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "reset timeout must be positive", nil,
			map[string]any{"reset_timeout": c.ResetTimeout.String()})
	}
	if c.HalfOpenProbes < 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "half open probes cannot be negative", nil,
			map[string]any{"half_open_probes": c.HalfOpenProbes})
	}
	return nil
}

// ConsecutiveFailureBreaker opens after FailureThreshold consecutive failures, rejects
// calls for ResetTimeout, then admits a limited number of probes. A successful probe
// closes the circuit and a failed one opens it again.
type ConsecutiveFailureBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration
	halfOpenProbes   int
	now              func() time.Time

	state          CircuitState
	failures       int
	openedAt       time.Time
	halfOpenAt     time.Time
	probesInFlight int
}

// BreakerOption customizes a ConsecutiveFailureBreaker.
type BreakerOption func(*ConsecutiveFailureBreaker)

func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *ConsecutiveFailureBreaker) {
		if now != nil {
			b.now = now
		}
	}
}

func NewCircuitBreaker(cfg CircuitBreakerConfig, opts ...BreakerOption) (*ConsecutiveFailureBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	probes := cfg.HalfOpenProbes
	if probes == 0 {
		probes = 1
	}
	b := &ConsecutiveFailureBreaker{
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		halfOpenProbes:   probes,
		now:              time.Now,
		state:            CircuitClosed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

func (b *ConsecutiveFailureBreaker) TryAcquire(orchestrator.OpID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if b.probesInFlight < b.halfOpenProbes {
			b.probesInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *ConsecutiveFailureBreaker) RecordSuccess(orchestrator.OpID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probesInFlight = 0
	b.state = CircuitClosed
}

func (b *ConsecutiveFailureBreaker) RecordFailure(orchestrator.OpID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.open()
	}
}

// State reports the current state, moving OPEN to HALF_OPEN once the reset timeout passed.
func (b *ConsecutiveFailureBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *ConsecutiveFailureBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
	b.probesInFlight = 0
	b.openedAt = time.Time{}
}

func (b *ConsecutiveFailureBreaker) open() {
	b.state = CircuitOpen
	b.openedAt = b.now()
	b.probesInFlight = 0
}

// advance moves OPEN to HALF_OPEN after the reset timeout. Probe slots that were never
// resolved are handed out again after another reset timeout.
func (b *ConsecutiveFailureBreaker) advance() {
	now := b.now()
	switch {
	case b.state == CircuitOpen && now.Sub(b.openedAt) >= b.resetTimeout:
		b.state = CircuitHalfOpen
		b.halfOpenAt = now
		b.probesInFlight = 0
	case b.state == CircuitHalfOpen && now.Sub(b.halfOpenAt) >= b.resetTimeout:
		b.halfOpenAt = now
		b.probesInFlight = 0
	}
}
