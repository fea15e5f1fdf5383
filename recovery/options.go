package recovery

import (
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

const (
	DefaultFinalizerInterval  = time.Minute
	DefaultFinalizerBatchSize = 100
	DefaultReaperInterval     = 5 * time.Minute
	DefaultReaperThreshold    = 10 * time.Minute
	DefaultReaperBatchSize    = 50
)

type options struct {
	interval  time.Duration
	batchSize int
	threshold time.Duration
	strategy  Strategy
	logger    orchestrator.Logger
	metrics   Metrics
	now       func() time.Time
}

// Option customizes a Finalizer or a Reaper. Options that do not apply to a component
// are ignored by it.
type Option func(*options)

// WithInterval sets the pause between scans of Run.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithThreshold sets how long an operation may stay IN_PROGRESS before the Reaper acts.
func WithThreshold(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.threshold = d
		}
	}
}

// WithStrategy selects how the Reaper resolves stuck operations.
func WithStrategy(s Strategy) Option {
	return func(o *options) {
		if s.Valid() {
			o.strategy = s
		}
	}
}

func WithLogger(logger orchestrator.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(interval time.Duration, batchSize int, opts []Option) options {
	o := options{
		interval:  interval,
		batchSize: batchSize,
		threshold: DefaultReaperThreshold,
		strategy:  StrategyFail,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
