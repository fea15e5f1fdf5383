package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietScheduler(opts ...Option) *Scheduler {
	return NewScheduler(append([]Option{WithLogger(orchestrator.NopLogger{})}, opts...)...)
}

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	scheduler := quietScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter(50*time.Millisecond, JobConfig{Name: "once"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}

	if got := count.Load(); got != 1 {
		t.Fatalf("expected one execution, got %d", got)
	}
	assert.Equal(t, ScheduleStatusCompleted, handle.Status())
	total, failed := handle.Runs()
	assert.Equal(t, 1, total)
	assert.Zero(t, failed)
	assert.Empty(t, scheduler.Handles())
}

func TestScheduleAfterCancelPreventsExecution(t *testing.T) {
	scheduler := quietScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter(250*time.Millisecond, JobConfig{}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected canceled handle to close done channel")
	}

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, count.Load())
	assert.Equal(t, ScheduleStatusCanceled, handle.Status())
}

func TestScheduleAfterReportsFailure(t *testing.T) {
	var handled atomic.Int32
	scheduler := quietScheduler(WithErrorHandler(func(error) { handled.Add(1) }))

	handle, err := scheduler.ScheduleAfter(0, JobConfig{Name: "broken", MaxRetries: 1}, func(context.Context) error {
		return errors.New("store unavailable")
	})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected failed handle to finish")
	}
	assert.Equal(t, ScheduleStatusFailed, handle.Status())
	assert.ErrorContains(t, handle.Err(), "broken failed")
	assert.Equal(t, int32(1), handled.Load())
}

func TestScheduleJobRunsUntilCanceled(t *testing.T) {
	scheduler := quietScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleJob(JobConfig{Name: "finalizer", Expression: "@every 1s"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "finalizer", handle.Name())
	assert.Equal(t, ScheduleStatusScheduled, handle.Status())

	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop(context.Background())

	require.Eventually(t, func() bool { return count.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return handle.Status() == ScheduleStatusIdle }, time.Second, 10*time.Millisecond)
	assert.False(t, handle.LastRunAt().IsZero())

	handle.Cancel()
	<-handle.Done()
	seen := count.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, seen, count.Load(), "canceled job must not fire again")
	assert.Equal(t, ScheduleStatusCanceled, handle.Status())
}

func TestScheduleJobKeepsFiringAfterFailure(t *testing.T) {
	scheduler := quietScheduler(WithErrorHandler(func(error) {}))
	var count atomic.Int32

	handle, err := scheduler.ScheduleJob(JobConfig{Name: "reaper", Expression: "@every 1s"}, func(context.Context) error {
		count.Add(1)
		return errors.New("scan failed")
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop(context.Background())

	require.Eventually(t, func() bool { return count.Load() >= 2 }, 4*time.Second, 20*time.Millisecond)
	_, failed := handle.Runs()
	assert.GreaterOrEqual(t, failed, 1)
	assert.Error(t, handle.Err())
}

func TestScheduleJobTimeoutCancelsRun(t *testing.T) {
	var lastErr atomic.Value
	scheduler := quietScheduler(WithErrorHandler(func(err error) { lastErr.Store(err) }))

	handle, err := scheduler.ScheduleAfter(0, JobConfig{Name: "slow", Timeout: 20 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout did not cancel the run")
	}
	assert.Equal(t, ScheduleStatusFailed, handle.Status())
	assert.NotNil(t, lastErr.Load())
}

func TestStopMarksHandlesStopped(t *testing.T) {
	scheduler := quietScheduler()
	handle, err := scheduler.ScheduleJob(JobConfig{Expression: "@every 1h"}, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))
	require.Len(t, scheduler.Handles(), 1)

	require.NoError(t, scheduler.Stop(context.Background()))
	select {
	case <-handle.Done():
	default:
		t.Fatal("expected stop to close the handle")
	}
	assert.Equal(t, ScheduleStatusStopped, handle.Status())
	assert.Empty(t, scheduler.Handles())
}

func TestScheduleJobRejectsInvalidInput(t *testing.T) {
	scheduler := quietScheduler()
	noop := func(context.Context) error { return nil }

	_, err := scheduler.ScheduleJob(JobConfig{}, noop)
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))

	_, err = scheduler.ScheduleJob(JobConfig{Expression: "not a schedule"}, noop)
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))

	_, err = scheduler.ScheduleJob(JobConfig{Expression: "@every 1s"}, nil)
	assert.Error(t, err)
}

func TestSecondsParserAcceptsSixFields(t *testing.T) {
	scheduler := quietScheduler(WithParser(SecondsParser))
	_, err := scheduler.ScheduleJob(JobConfig{Expression: "*/5 * * * * *"}, func(context.Context) error { return nil })
	assert.NoError(t, err)

	standard := quietScheduler(WithParser(StandardParser))
	_, err = standard.ScheduleJob(JobConfig{Expression: "*/5 * * * * *"}, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestRecoveredPanicReachesErrorHandler(t *testing.T) {
	errs := make(chan error, 1)
	scheduler := quietScheduler(WithErrorHandler(func(err error) {
		select {
		case errs <- err:
		default:
		}
	}))
	_, err := scheduler.ScheduleJob(JobConfig{Expression: "@every 1s"}, func(context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop(context.Background())

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(3 * time.Second):
		t.Fatal("expected panic to reach the error handler")
	}
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LogLevelDebug, level)

	_, err = ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestValidateExpression(t *testing.T) {
	assert.NoError(t, ValidateExpression("@every 5s"))
	assert.NoError(t, ValidateExpression("*/5 * * * *"))

	err := ValidateExpression("every five seconds")
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))
}
