package main

import (
	"context"
	"fmt"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/executor"
	"github.com/ryu-qqq/Orchestrator-sub000/router"
)

// demoHandler stands in for business logic. It waits for Delay, rejects FailEvent in any
// domain and completes everything else.
type demoHandler struct {
	Delay     time.Duration
	FailEvent string
}

func (h demoHandler) router() (*router.Router, error) {
	r := router.New()
	if h.FailEvent != "" {
		if _, err := r.Handle("*"+router.Separator+h.FailEvent, h.reject); err != nil {
			return nil, err
		}
	}
	if _, err := r.Handle("#", h.complete); err != nil {
		return nil, err
	}
	return r, nil
}

func (h demoHandler) complete(ctx context.Context, env orchestrator.Envelope) orchestrator.Outcome {
	if retry, ok := h.wait(ctx); !ok {
		return retry
	}
	cmd := env.Command()
	return orchestrator.Ok{
		OpID:    env.OpID(),
		Message: fmt.Sprintf("processed %s/%s for %s", cmd.Domain(), cmd.EventType(), cmd.BizKey()),
	}
}

func (h demoHandler) reject(ctx context.Context, env orchestrator.Envelope) orchestrator.Outcome {
	if retry, ok := h.wait(ctx); !ok {
		return retry
	}
	return orchestrator.Fail{
		ErrorCode: "DEMO_REJECTED",
		Message:   fmt.Sprintf("event %s is configured to fail", env.Command().EventType()),
	}
}

func (h demoHandler) wait(ctx context.Context) (orchestrator.Outcome, bool) {
	if h.Delay <= 0 {
		return nil, true
	}
	timer := time.NewTimer(h.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return orchestrator.Retry{
			Reason:         executor.ReasonCanceled,
			AttemptCount:   orchestrator.AttemptFromContext(ctx),
			NextRetryAfter: h.Delay,
		}, false
	case <-timer.C:
		return nil, true
	}
}
