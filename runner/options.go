package runner

import (
	"context"
	"strings"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

type Option func(*Handler)

// WithName labels the job in logs and errors.
func WithName(name string) Option {
	return func(h *Handler) {
		if name = strings.TrimSpace(name); name != "" {
			h.name = name
		}
	}
}

func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(h *Handler) {
		h.deadline = d
	}
}

func WithMaxRetries(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.maxRetries = n
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		h.errorHandler = fn
	}
}

func WithLogger(l orchestrator.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithRetryStrategy sets the backoff between in-process retries.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		if s != nil {
			h.retryStrategy = s
		}
	}
}

// WithSleep overrides how the handler waits between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) {
		if fn != nil {
			h.sleep = fn
		}
	}
}
