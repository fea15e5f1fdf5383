package worker

import (
	"context"
	"strings"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/runner"
)

// Option customizes a Worker.
type Option func(*Worker)

func WithWorkerID(id string) Option {
	return func(w *Worker) {
		w.workerID = strings.TrimSpace(id)
	}
}

// WithBatchSize sets how many envelopes one cycle dequeues.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithConcurrency sets how many envelopes of a batch are processed in parallel.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets the wait after a cycle that did not fill a batch.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithRetryPolicy sets the retry budget and backoff for Retry outcomes.
func WithRetryPolicy(policy runner.RetryPolicy) Option {
	return func(w *Worker) {
		if policy.MaxRetries >= 0 {
			w.retryPolicy = policy
		}
	}
}

// WithDeadLetter routes permanently failed envelopes to the bus dead letter queue.
func WithDeadLetter(enabled bool) Option {
	return func(w *Worker) {
		w.deadLetter = enabled
	}
}

// WithExecutionControl lets an operator pause and resume the Run loop.
func WithExecutionControl(control runner.ExecutionControl) Option {
	return func(w *Worker) {
		w.control = control
	}
}

func WithLogger(logger orchestrator.Logger) Option {
	return func(w *Worker) {
		w.logger = orchestrator.NormalizeLogger(logger)
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(w *Worker) {
		w.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithOutcomeHook receives one callback per processed delivery.
func WithOutcomeHook(hook func(context.Context, EntryResult)) Option {
	return func(w *Worker) {
		w.outcomeHook = hook
	}
}
