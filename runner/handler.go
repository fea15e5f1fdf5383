package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// Handler runs a job with an optional timeout and bounded in-process retries. Scheduled
// maintenance jobs use it to wrap each tick.
type Handler struct {
	mu sync.Mutex

	name          string
	logger        orchestrator.Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	sleep         func(ctx context.Context, d time.Duration) error

	runs           int
	successfulRuns int
	lastErr        error

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler builds a handler, applying defaults for unset options.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		name:          "job",
		logger:        orchestrator.NormalizeLogger(nil),
		retryStrategy: NoDelayStrategy{},
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = orchestrator.NormalizeLogger(h.logger)
	if h.errorHandler == nil {
		h.errorHandler = func(err error) {
			h.logger.Error("%s failed: %v", h.name, err)
		}
	}
	return h
}

// Run calls fn until it succeeds or the retry budget is spent, and returns the last error.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			break
		}
		if attempt == maxRetries {
			break
		}
		decision := DecideRetry(strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		h.logger.Debug("%s attempt %d of %d failed: %v", h.name, attempt+1, maxRetries+1, err)
		if sleepErr := h.sleep(ctx, decision.Delay); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	h.mu.Lock()
	h.runs++
	if err == nil {
		h.successfulRuns++
		h.lastErr = nil
		h.mu.Unlock()
		return nil
	}
	wrapped := errors.Wrap(err, errors.CategoryHandler, fmt.Sprintf("%s failed", h.name)).
		WithTextCode("RUNNER_FAILED").
		WithMetadata(map[string]any{
			"job":         h.name,
			"max_retries": maxRetries,
		})
	h.lastErr = wrapped
	h.mu.Unlock()

	h.errorHandler(wrapped)
	return wrapped
}

func (h *Handler) Name() string { return h.name }

// Runs returns the number of completed Run calls and how many of them succeeded.
func (h *Handler) Runs() (total, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

// LastError is the error of the most recent failed run, cleared by a success.
func (h *Handler) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout > 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout > 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
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
