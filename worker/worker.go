package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/runner"
	"golang.org/x/sync/errgroup"
)

const (
	CodeRetryExhausted   = "RETRY_EXHAUSTED"
	CodeUnknownOperation = "UNKNOWN_OPERATION"
	CodeNoOutcome        = "EXECUTOR_NO_OUTCOME"
)

// EntryOutcome classifies how one delivery was handled.
type EntryOutcome string

const (
	EntryCompleted      EntryOutcome = "completed"
	EntryFailed         EntryOutcome = "failed"
	EntryRetryScheduled EntryOutcome = "retry_scheduled"
	EntryRetryExhausted EntryOutcome = "retry_exhausted"
	EntryDuplicate      EntryOutcome = "duplicate"
	EntryRequeued       EntryOutcome = "requeued"
)

// EntryResult captures the handling of one delivery.
type EntryResult struct {
	OpID       orchestrator.OpID
	Attempt    int
	Outcome    EntryOutcome
	RetryAfter time.Duration
	// BookkeepingError is a logged, non fatal store or bus failure.
	BookkeepingError string
	OccurredAt       time.Time
}

// Report summarizes one RunOnce cycle.
type Report struct {
	WorkerID   string
	Dequeued   int
	StartedAt  time.Time
	FinishedAt time.Time
	Entries    []EntryResult
}

// Count returns how many entries ended with outcome.
func (r Report) Count(outcome EntryOutcome) int {
	n := 0
	for _, e := range r.Entries {
		if e.Outcome == outcome {
			n++
		}
	}
	return n
}

// RuntimeState tracks the lifecycle of the background loop.
type RuntimeState string

const (
	RuntimeIdle     RuntimeState = "idle"
	RuntimeRunning  RuntimeState = "running"
	RuntimeStopping RuntimeState = "stopping"
	RuntimeStopped  RuntimeState = "stopped"
)

// Status is the latest runtime state and cycle figures.
type Status struct {
	WorkerID            string
	State               RuntimeState
	Paused              bool
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastDequeued        int
	Processed           int64
}

// Health is derived from Status.
type Health struct {
	Healthy bool
	Reason  string
	Status  Status
}

// Metrics receives worker observations.
type Metrics interface {
	RecordEntryOutcome(outcome EntryOutcome)
	RecordRetryAttempt(attempt int)
	RecordExecutionDuration(d time.Duration)
	RecordBookkeepingFailure(step string)
}

type noopMetrics struct{}

func (noopMetrics) RecordEntryOutcome(EntryOutcome)       {}
func (noopMetrics) RecordRetryAttempt(int)                {}
func (noopMetrics) RecordExecutionDuration(time.Duration) {}
func (noopMetrics) RecordBookkeepingFailure(string)       {}

// Worker pulls envelopes from the bus, executes them and records the outcome. Any number
// of workers may share one store and bus.
type Worker struct {
	store    orchestrator.Store
	bus      orchestrator.Bus
	executor orchestrator.Executor

	workerID     string
	batchSize    int
	concurrency  int
	pollInterval time.Duration
	retryPolicy  runner.RetryPolicy
	deadLetter   bool
	control      runner.ExecutionControl

	logger      orchestrator.Logger
	metrics     Metrics
	now         func() time.Time
	outcomeHook func(context.Context, EntryResult)

	stateMu sync.RWMutex
	status  Status

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// New builds a worker. The store, bus and executor are required.
func New(store orchestrator.Store, bus orchestrator.Bus, executor orchestrator.Executor, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		bus:          bus,
		executor:     executor,
		workerID:     "worker-1",
		batchSize:    10,
		concurrency:  1,
		pollInterval: 100 * time.Millisecond,
		retryPolicy:  runner.DefaultRetryPolicy(),
		control:      runner.OpenGate(),
		logger:       orchestrator.NormalizeLogger(nil),
		metrics:      noopMetrics{},
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = orchestrator.NormalizeLogger(w.logger)
	if w.metrics == nil {
		w.metrics = noopMetrics{}
	}
	if w.control == nil {
		w.control = runner.OpenGate()
	}
	w.status = Status{WorkerID: w.workerID, State: RuntimeIdle}
	return w
}

// Run pumps the bus until ctx is cancelled or Stop is called. A full batch is followed
// immediately by the next cycle; otherwise the worker waits for the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return fmt.Errorf("worker %s already running", w.workerID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	w.runCancel = cancel
	w.runDone = runDone
	w.running = true
	w.runMu.Unlock()

	w.setRuntimeState(RuntimeRunning)
	logger := orchestrator.WithLoggerFields(w.logger.WithContext(runCtx), map[string]any{"worker_id": w.workerID})
	logger.Info("worker started")

	defer func() {
		w.runMu.Lock()
		w.running = false
		w.runCancel = nil
		w.runDone = nil
		close(runDone)
		w.runMu.Unlock()
		w.setRuntimeState(RuntimeStopped)
		logger.Info("worker stopped")
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.control.Wait(runCtx); err != nil {
			return nil
		}
		report, err := w.RunOnce(runCtx)
		if err != nil {
			logger.Warn("worker cycle failed: %v", err)
		}
		if err == nil && report.Dequeued >= w.batchSize {
			if runCtx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce dequeues one batch and processes every envelope in it. Only a failed dequeue
// is returned as an error; per-envelope problems are recorded in the report.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	report := Report{}
	if err := w.validate(); err != nil {
		return report, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	report.WorkerID = w.workerID
	report.StartedAt = w.now()

	envs, err := w.bus.Dequeue(ctx, w.batchSize)
	if err != nil {
		err = orchestrator.NewError(orchestrator.ErrBusFailure, "dequeue", err, map[string]any{"worker_id": w.workerID})
		report.FinishedAt = w.now()
		w.recordCycle(report, err)
		return report, err
	}
	report.Dequeued = len(envs)
	report.Entries = make([]EntryResult, len(envs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)
	for i, env := range envs {
		group.Go(func() error {
			report.Entries[i] = w.Process(groupCtx, env)
			return nil
		})
	}
	_ = group.Wait()

	report.FinishedAt = w.now()
	w.recordCycle(report, nil)
	return report, nil
}

// Process handles a single delivery end to end, including the ack or nack.
func (w *Worker) Process(ctx context.Context, env orchestrator.Envelope) EntryResult {
	result := EntryResult{OpID: env.OpID(), OccurredAt: w.now()}
	logger := orchestrator.WithLoggerFields(w.logger.WithContext(ctx),
		orchestrator.MergeFields(env.LogFields(), map[string]any{"worker_id": w.workerID}))

	attempt, err := w.store.MarkInProgress(ctx, env.OpID())
	switch {
	case orchestrator.IsAlreadyFinalized(err):
		logger.Debug("skipping delivery of finalized operation")
		result.Attempt = attempt
		result.Outcome = EntryDuplicate
		w.ack(ctx, logger, env, &result)
		return w.finish(ctx, result)
	case orchestrator.IsNotFound(err):
		logger.Error("delivery references an unknown operation")
		fail := orchestrator.Fail{ErrorCode: CodeUnknownOperation, Message: "operation was never accepted"}
		if dlqErr := w.bus.PublishToDLQ(ctx, env, fail); dlqErr != nil {
			logger.Error("dead letter publish failed: %v", dlqErr)
			result.BookkeepingError = dlqErr.Error()
		}
		result.Outcome = EntryFailed
		w.ack(ctx, logger, env, &result)
		return w.finish(ctx, result)
	case err != nil:
		logger.Warn("mark in progress failed, returning delivery: %v", err)
		w.metrics.RecordBookkeepingFailure("mark_in_progress")
		result.BookkeepingError = err.Error()
		result.Outcome = EntryRequeued
		w.nack(ctx, logger, env, &result)
		return w.finish(ctx, result)
	}
	result.Attempt = attempt
	logger = orchestrator.WithLoggerFields(logger, map[string]any{"attempt": attempt})

	started := w.now()
	outcome := w.executor.Execute(orchestrator.WithAttempt(ctx, attempt), env)
	w.metrics.RecordExecutionDuration(w.now().Sub(started))

	switch o := outcome.(type) {
	case orchestrator.Ok:
		w.handleOk(ctx, logger, env, o, &result)
	case orchestrator.Retry:
		w.handleRetry(ctx, logger, env, o, &result)
	case orchestrator.Fail:
		w.handleFail(ctx, logger, env, o, EntryFailed, &result)
	default:
		fail := orchestrator.Fail{ErrorCode: CodeNoOutcome, Message: fmt.Sprintf("executor returned %T", outcome)}
		w.handleFail(ctx, logger, env, fail, EntryFailed, &result)
	}
	return w.finish(ctx, result)
}

func (w *Worker) handleOk(ctx context.Context, logger orchestrator.Logger, env orchestrator.Envelope, ok orchestrator.Ok, result *EntryResult) {
	if ok.OpID.IsZero() {
		ok.OpID = env.OpID()
	}
	if err := w.store.WriteAhead(ctx, env.OpID(), ok); err != nil {
		w.writeAheadFailed(ctx, logger, env, err, result)
		return
	}
	if err := w.store.Finalize(ctx, env.OpID(), orchestrator.StateCompleted); err != nil {
		logger.Warn("finalize failed after write-ahead, leaving it to the finalizer: %v", err)
		w.metrics.RecordBookkeepingFailure("finalize")
		result.BookkeepingError = err.Error()
	}
	result.Outcome = EntryCompleted
	w.ack(ctx, logger, env, result)
}

func (w *Worker) handleRetry(ctx context.Context, logger orchestrator.Logger, env orchestrator.Envelope, retry orchestrator.Retry, result *EntryResult) {
	count := retry.AttemptCount
	if result.Attempt > count {
		count = result.Attempt
	}
	w.metrics.RecordRetryAttempt(count)

	decision := w.retryPolicy.Decide(count, nil)
	if !decision.ShouldRetry {
		logger.Warn("retry budget exhausted after %d attempts: %s", count, retry.Reason)
		fail := orchestrator.Fail{
			ErrorCode: CodeRetryExhausted,
			Message:   fmt.Sprintf("retry budget exhausted after %d attempts", count),
			Cause:     retry.Reason,
		}
		w.handleFail(ctx, logger, env, fail, EntryRetryExhausted, result)
		return
	}

	delay := decision.Delay
	if retry.NextRetryAfter > delay {
		delay = retry.NextRetryAfter
	}
	if err := w.bus.Publish(ctx, env, delay); err != nil {
		logger.Warn("retry publish failed, returning delivery: %v", err)
		w.metrics.RecordBookkeepingFailure("retry_publish")
		result.BookkeepingError = err.Error()
		result.Outcome = EntryRequeued
		w.nack(ctx, logger, env, result)
		return
	}
	logger.Debug("retry scheduled in %s: %s", delay, retry.Reason)
	result.Outcome = EntryRetryScheduled
	result.RetryAfter = delay
	w.ack(ctx, logger, env, result)
}

func (w *Worker) handleFail(ctx context.Context, logger orchestrator.Logger, env orchestrator.Envelope, fail orchestrator.Fail, classification EntryOutcome, result *EntryResult) {
	if err := w.store.WriteAhead(ctx, env.OpID(), fail); err != nil {
		w.writeAheadFailed(ctx, logger, env, err, result)
		return
	}
	if err := w.store.Finalize(ctx, env.OpID(), orchestrator.StateFailed); err != nil {
		logger.Warn("finalize failed after write-ahead, leaving it to the finalizer: %v", err)
		w.metrics.RecordBookkeepingFailure("finalize")
		result.BookkeepingError = err.Error()
	}
	if w.deadLetter {
		if err := w.bus.PublishToDLQ(ctx, env, fail); err != nil {
			logger.Error("dead letter publish failed: %v", err)
			w.metrics.RecordBookkeepingFailure("dead_letter")
			result.BookkeepingError = err.Error()
		}
	}
	logger.Info("operation failed: %s %s", fail.ErrorCode, fail.Message)
	result.Outcome = classification
	w.ack(ctx, logger, env, result)
}

// writeAheadFailed handles a WriteAhead error. Without a durable record nothing can be
// finalized, so the delivery goes back to the bus unless another delivery already won.
func (w *Worker) writeAheadFailed(ctx context.Context, logger orchestrator.Logger, env orchestrator.Envelope, err error, result *EntryResult) {
	if orchestrator.IsAlreadyFinalized(err) {
		logger.Debug("operation finalized by a concurrent delivery")
		result.Outcome = EntryDuplicate
		w.ack(ctx, logger, env, result)
		return
	}
	logger.Error("write-ahead failed, returning delivery: %v", err)
	w.metrics.RecordBookkeepingFailure("write_ahead")
	result.BookkeepingError = err.Error()
	result.Outcome = EntryRequeued
	w.nack(ctx, logger, env, result)
}

func (w *Worker) ack(ctx context.Context, logger orchestrator.Logger, env orchestrator.Envelope, result *EntryResult) {
	if err := w.bus.Ack(ctx, env); err != nil {
		logger.Warn("ack failed: %v", err)
		w.metrics.RecordBookkeepingFailure("ack")
		result.BookkeepingError = err.Error()
	}
}

func (w *Worker) nack(ctx context.Context, logger orchestrator.Logger, env orchestrator.Envelope, result *EntryResult) {
	if err := w.bus.Nack(ctx, env); err != nil {
		logger.Warn("nack failed, relying on redelivery: %v", err)
		w.metrics.RecordBookkeepingFailure("nack")
		result.BookkeepingError = err.Error()
	}
}

func (w *Worker) finish(ctx context.Context, result EntryResult) EntryResult {
	w.metrics.RecordEntryOutcome(result.Outcome)
	if w.outcomeHook != nil {
		w.outcomeHook(ctx, result)
	}
	return result
}

// Stop cancels the background loop and waits for it to exit.
func (w *Worker) Stop(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("worker not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	w.runMu.Lock()
	cancel, done, running := w.runCancel, w.runDone, w.running
	w.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		w.setRuntimeState(RuntimeStopped)
		return nil
	}
	w.setRuntimeState(RuntimeStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the latest status.
func (w *Worker) Status() Status {
	if w == nil {
		return Status{State: RuntimeStopped}
	}
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	status := w.status
	status.Paused = w.control.Paused()
	return status
}

// Health reports unhealthy after a failed cycle or once stopped.
func (w *Worker) Health(_ context.Context) Health {
	status := w.Status()
	health := Health{Healthy: true, Status: status}
	switch {
	case status.ConsecutiveFailures > 0:
		health.Healthy = false
		health.Reason = "dequeue failures detected"
	case status.State == RuntimeStopped && !status.LastRunAt.IsZero():
		health.Healthy = false
		health.Reason = "worker stopped"
	}
	return health
}

func (w *Worker) recordCycle(report Report, cycleErr error) {
	now := w.now()
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.status.LastRunAt = now
	w.status.LastDequeued = report.Dequeued
	w.status.Processed += int64(len(report.Entries))
	if cycleErr == nil {
		w.status.LastSuccessAt = now
		w.status.LastError = ""
		w.status.ConsecutiveFailures = 0
		return
	}
	w.status.LastError = cycleErr.Error()
	w.status.ConsecutiveFailures++
}

func (w *Worker) setRuntimeState(state RuntimeState) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.status.State = state
}

func (w *Worker) validate() error {
	if w == nil {
		return fmt.Errorf("worker not configured")
	}
	if w.store == nil {
		return fmt.Errorf("worker store not configured")
	}
	if w.bus == nil {
		return fmt.Errorf("worker bus not configured")
	}
	if w.executor == nil {
		return fmt.Errorf("worker executor not configured")
	}
	if strings.TrimSpace(w.workerID) == "" {
		return fmt.Errorf("worker id required")
	}
	return nil
}
