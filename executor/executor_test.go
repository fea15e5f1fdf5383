package executor

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/orchestratortest"
	"github.com/ryu-qqq/Orchestrator-sub000/protection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T) orchestrator.Envelope {
	t.Helper()
	return orchestratortest.Envelope(t, orchestratortest.NewClock(orchestratortest.Epoch), "BIZ-EXEC", "IDEM-EXEC")
}

func okHandler(_ context.Context, env orchestrator.Envelope) orchestrator.Outcome {
	return orchestrator.Ok{OpID: env.OpID(), Message: "done"}
}

func TestProtectedPassesThroughOutcome(t *testing.T) {
	env := envelope(t)
	p := New(okHandler, WithLogger(orchestrator.NopLogger{}))

	outcome := p.Execute(context.Background(), env)
	assert.Equal(t, orchestrator.Ok{OpID: env.OpID(), Message: "done"}, outcome)
}

func TestProtectedRejectsWhenCircuitOpen(t *testing.T) {
	env := envelope(t)
	cb, err := protection.NewCircuitBreaker(protection.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	require.NoError(t, err)

	var calls atomic.Int32
	p := New(func(context.Context, orchestrator.Envelope) orchestrator.Outcome {
		calls.Add(1)
		return orchestrator.Fail{ErrorCode: "DOWNSTREAM", Message: "500"}
	}, WithCircuitBreaker(cb), WithLogger(orchestrator.NopLogger{}))

	ctx := orchestrator.WithAttempt(context.Background(), 3)
	p.Execute(ctx, env)
	p.Execute(ctx, env)
	require.Equal(t, protection.CircuitOpen, cb.State())

	outcome := p.Execute(ctx, env)
	assert.Equal(t, orchestrator.Retry{Reason: ReasonCircuitOpen, AttemptCount: 3}, outcome)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProtectedRetryOutcomeCountsAsCircuitFailure(t *testing.T) {
	env := envelope(t)
	cb, err := protection.NewCircuitBreaker(protection.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	require.NoError(t, err)

	p := New(func(context.Context, orchestrator.Envelope) orchestrator.Outcome {
		return orchestrator.Retry{Reason: "throttled", AttemptCount: 1}
	}, WithCircuitBreaker(cb), WithLogger(orchestrator.NopLogger{}))

	p.Execute(context.Background(), env)
	assert.Equal(t, protection.CircuitOpen, cb.State())
}

func TestProtectedRejectsWhenBulkheadFull(t *testing.T) {
	env := envelope(t)
	bh, err := protection.NewSemaphoreBulkhead(protection.BulkheadConfig{MaxConcurrent: 1})
	require.NoError(t, err)
	require.True(t, bh.TryAcquire(env.OpID()))

	p := New(okHandler, WithBulkhead(bh), WithLogger(orchestrator.NopLogger{}))
	outcome := p.Execute(context.Background(), env)
	assert.Equal(t, orchestrator.Retry{Reason: ReasonBulkheadFull, AttemptCount: 1}, outcome)

	bh.Release(env.OpID())
	assert.IsType(t, orchestrator.Ok{}, p.Execute(context.Background(), env))
	assert.Zero(t, bh.CurrentConcurrency(), "slot released after the call")
}

func TestProtectedRejectsWhenRateLimited(t *testing.T) {
	env := envelope(t)
	rl, err := protection.NewTokenBucket(protection.RateLimiterConfig{PermitsPerSecond: 0.001, MaxBurst: 1})
	require.NoError(t, err)

	p := New(okHandler, WithRateLimiter(rl), WithLogger(orchestrator.NopLogger{}))
	assert.IsType(t, orchestrator.Ok{}, p.Execute(context.Background(), env))

	outcome := p.Execute(context.Background(), env)
	assert.Equal(t, orchestrator.Retry{Reason: ReasonRateLimited, AttemptCount: 1}, outcome)
}

func TestProtectedMapsTimeoutToRetry(t *testing.T) {
	env := envelope(t)
	timeout := protection.NewFixedTimeout(20 * time.Millisecond)
	cb, err := protection.NewCircuitBreaker(protection.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	require.NoError(t, err)

	p := New(func(ctx context.Context, _ orchestrator.Envelope) orchestrator.Outcome {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return orchestrator.Fail{ErrorCode: "LATE"}
	}, WithTimeoutPolicy(timeout), WithCircuitBreaker(cb), WithLogger(orchestrator.NopLogger{}))

	outcome := p.Execute(context.Background(), env)
	retry, ok := outcome.(orchestrator.Retry)
	require.True(t, ok, "got %v", outcome)
	assert.Equal(t, ReasonTimeout, retry.Reason)
	assert.Equal(t, int64(1), timeout.Timeouts())
	assert.Equal(t, protection.CircuitOpen, cb.State())
}

func TestProtectedCanceledContext(t *testing.T) {
	env := envelope(t)
	ctx, cancel := context.WithCancel(context.Background())
	p := New(func(ctx context.Context, _ orchestrator.Envelope) orchestrator.Outcome {
		cancel()
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return orchestrator.Ok{}
	}, WithLogger(orchestrator.NopLogger{}))

	outcome := p.Execute(ctx, env)
	assert.Equal(t, orchestrator.Retry{Reason: ReasonCanceled, AttemptCount: 1}, outcome)
}

func TestProtectedRecoversPanics(t *testing.T) {
	env := envelope(t)
	var buf bytes.Buffer
	p := New(func(context.Context, orchestrator.Envelope) orchestrator.Outcome {
		panic("nil map write")
	}, WithLogger(orchestrator.NewFmtLogger(&buf)))

	outcome := p.Execute(context.Background(), env)
	fail, ok := outcome.(orchestrator.Fail)
	require.True(t, ok)
	assert.Equal(t, CodePanic, fail.ErrorCode)
	assert.Contains(t, fail.Message, "nil map write")
	assert.Contains(t, buf.String(), "recovered from panic")
	assert.Contains(t, buf.String(), env.OpID().String())
}

func TestProtectedHedgeWinsOverSlowPrimary(t *testing.T) {
	env := envelope(t)
	hedge := protection.NewFixedHedge(10*time.Millisecond, 1)

	var calls atomic.Int32
	p := New(func(ctx context.Context, env orchestrator.Envelope) orchestrator.Outcome {
		if calls.Add(1) == 1 {
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			return orchestrator.Ok{OpID: env.OpID(), Message: "primary"}
		}
		return orchestrator.Ok{OpID: env.OpID(), Message: "hedge"}
	}, WithHedgePolicy(hedge), WithLogger(orchestrator.NopLogger{}))

	start := time.Now()
	outcome := p.Execute(context.Background(), env)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "hedge", outcome.(orchestrator.Ok).Message)

	launched, won := hedge.Stats()
	assert.Equal(t, int64(1), launched)
	assert.Equal(t, int64(1), won)
}

func TestProtectedFastPrimarySkipsHedge(t *testing.T) {
	env := envelope(t)
	hedge := protection.NewFixedHedge(time.Second, 2)
	p := New(okHandler, WithHedgePolicy(hedge), WithLogger(orchestrator.NopLogger{}))

	assert.IsType(t, orchestrator.Ok{}, p.Execute(context.Background(), env))
	launched, _ := hedge.Stats()
	assert.Zero(t, launched)
}

func TestCleanStackTraceDropsRuntimeFrames(t *testing.T) {
	stack := strings.Join([]string{
		"goroutine 7 [running]:",
		"panic({0x1, 0x2})",
		"\t/usr/local/go/src/runtime/panic.go:785 +0x124",
		"main.handler()",
		"\t/app/main.go:10 +0x20",
	}, "\n")
	cleaned := string(cleanStackTrace([]byte(stack)))
	assert.True(t, strings.HasPrefix(cleaned, "main.handler()"))
	assert.NotContains(t, cleaned, "runtime/panic.go")
}
