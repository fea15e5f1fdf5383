package executor

import (
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/protection"
)

type Option func(*Protected)

func WithCircuitBreaker(cb protection.CircuitBreaker) Option {
	return func(p *Protected) {
		if cb != nil {
			p.breaker = cb
		}
	}
}

func WithRateLimiter(rl protection.RateLimiter) Option {
	return func(p *Protected) {
		if rl != nil {
			p.limiter = rl
		}
	}
}

func WithBulkhead(bh protection.Bulkhead) Option {
	return func(p *Protected) {
		if bh != nil {
			p.bulkhead = bh
		}
	}
}

func WithTimeoutPolicy(tp protection.TimeoutPolicy) Option {
	return func(p *Protected) {
		if tp != nil {
			p.timeout = tp
		}
	}
}

func WithHedgePolicy(hp protection.HedgePolicy) Option {
	return func(p *Protected) {
		if hp != nil {
			p.hedge = hp
		}
	}
}

func WithLogger(logger orchestrator.Logger) Option {
	return func(p *Protected) {
		p.logger = logger
	}
}

// WithPanicLogger replaces the default panic report, which logs through the logger.
func WithPanicLogger(fn PanicLogger) Option {
	return func(p *Protected) {
		p.panicLogger = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Protected) {
		if now != nil {
			p.now = now
		}
	}
}
