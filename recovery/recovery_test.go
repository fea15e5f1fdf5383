package recovery_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/memstore"
	"github.com/ryu-qqq/Orchestrator-sub000/orchestratortest"
	"github.com/ryu-qqq/Orchestrator-sub000/recovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	clock *orchestratortest.Clock
	store *memstore.Store
	bus   *memstore.Bus
}

func newFixture() *fixture {
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	return &fixture{
		clock: clock,
		store: memstore.NewStore(memstore.WithClock(clock.Now)),
		bus:   memstore.NewBus(memstore.WithClock(clock.Now)),
	}
}

// accepted stores an envelope as PENDING without publishing it.
func (f *fixture) accepted(t *testing.T, bizKey string) orchestrator.Envelope {
	t.Helper()
	env := orchestratortest.Envelope(t, f.clock, bizKey, "IDEM-"+bizKey)
	_, err := f.store.Accept(context.Background(), env)
	require.NoError(t, err)
	return env
}

// started accepts an envelope and moves it to IN_PROGRESS.
func (f *fixture) started(t *testing.T, bizKey string) orchestrator.Envelope {
	t.Helper()
	ctx := context.Background()
	env := orchestratortest.Envelope(t, f.clock, bizKey, "IDEM-"+bizKey)
	_, err := f.store.Accept(ctx, env)
	require.NoError(t, err)
	_, err = f.store.MarkInProgress(ctx, env.OpID())
	require.NoError(t, err)
	return env
}

func (f *fixture) state(t *testing.T, opID orchestrator.OpID) orchestrator.OperationState {
	t.Helper()
	state, err := f.store.GetState(context.Background(), opID)
	require.NoError(t, err)
	return state
}

func TestFinalizerCompletesPendingWriteAheadEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	okEnv := f.started(t, "BIZ-OK")
	failEnv := f.started(t, "BIZ-FAIL")
	require.NoError(t, f.store.WriteAhead(ctx, okEnv.OpID(), orchestrator.Ok{OpID: okEnv.OpID(), Message: "done"}))
	require.NoError(t, f.store.WriteAhead(ctx, failEnv.OpID(), orchestrator.Fail{ErrorCode: "DECLINED"}))

	finalizer := recovery.NewFinalizer(f.store, recovery.WithLogger(orchestrator.NopLogger{}), recovery.WithClock(f.clock.Now))
	report, err := finalizer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Count(recovery.ActionFinalized))

	assert.Equal(t, orchestrator.StateCompleted, f.state(t, okEnv.OpID()))
	assert.Equal(t, orchestrator.StateFailed, f.state(t, failEnv.OpID()))

	pending, err := f.store.ScanWA(ctx, orchestrator.WriteAheadPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	report, err = finalizer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestFinalizerTreatsRetryOutcomeAsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	env := f.started(t, "BIZ-ANOMALY")
	require.NoError(t, f.store.WriteAhead(ctx, env.OpID(), orchestrator.Retry{Reason: "timeout", AttemptCount: 1}))

	var buf bytes.Buffer
	finalizer := recovery.NewFinalizer(f.store, recovery.WithLogger(orchestrator.NewFmtLogger(&buf)))
	report, err := finalizer.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Items, 1)
	assert.Equal(t, orchestrator.StateFailed, report.Items[0].State)
	assert.Equal(t, orchestrator.StateFailed, f.state(t, env.OpID()))
	assert.Contains(t, buf.String(), "retry outcome")
}

func TestFinalizerRespectsBatchSizeInRecordOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	var envs []orchestrator.Envelope
	for _, key := range []string{"A", "B", "C"} {
		env := f.started(t, "BIZ-"+key)
		require.NoError(t, f.store.WriteAhead(ctx, env.OpID(), orchestrator.Ok{OpID: env.OpID()}))
		f.clock.Advance(time.Second)
		envs = append(envs, env)
	}

	finalizer := recovery.NewFinalizer(f.store, recovery.WithBatchSize(2), recovery.WithLogger(orchestrator.NopLogger{}))
	report, err := finalizer.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Items, 2)
	assert.Equal(t, envs[0].OpID(), report.Items[0].OpID)
	assert.Equal(t, envs[1].OpID(), report.Items[1].OpID)
	assert.Equal(t, orchestrator.StateInProgress, f.state(t, envs[2].OpID()))
}

type flakyStore struct {
	*memstore.Store
	brokenOutcome orchestrator.OpID
	duplicateScan  bool
	scanErr        error
	pendingScanErr error
}

func (s *flakyStore) ScanPending(ctx context.Context, olderThan time.Duration, n int) ([]orchestrator.OpID, error) {
	if s.pendingScanErr != nil {
		return nil, s.pendingScanErr
	}
	return s.Store.ScanPending(ctx, olderThan, n)
}

func (s *flakyStore) GetWriteAheadOutcome(ctx context.Context, opID orchestrator.OpID) (orchestrator.Outcome, error) {
	if opID == s.brokenOutcome {
		return nil, errors.New("row corrupted")
	}
	return s.Store.GetWriteAheadOutcome(ctx, opID)
}

func (s *flakyStore) ScanWA(ctx context.Context, state orchestrator.WriteAheadState, n int) ([]orchestrator.OpID, error) {
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	return s.Store.ScanWA(ctx, state, n)
}

func (s *flakyStore) ScanInProgress(ctx context.Context, olderThan time.Duration, n int) ([]orchestrator.OpID, error) {
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	ids, err := s.Store.ScanInProgress(ctx, olderThan, n)
	if s.duplicateScan {
		ids = append(ids, ids...)
	}
	return ids, err
}

func TestFinalizerContinuesAfterItemFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	broken := f.started(t, "BIZ-BROKEN")
	healthy := f.started(t, "BIZ-HEALTHY")
	require.NoError(t, f.store.WriteAhead(ctx, broken.OpID(), orchestrator.Ok{OpID: broken.OpID()}))
	require.NoError(t, f.store.WriteAhead(ctx, healthy.OpID(), orchestrator.Ok{OpID: healthy.OpID()}))

	store := &flakyStore{Store: f.store, brokenOutcome: broken.OpID()}
	finalizer := recovery.NewFinalizer(store, recovery.WithLogger(orchestrator.NopLogger{}))
	report, err := finalizer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(recovery.ActionError))
	assert.Equal(t, 1, report.Count(recovery.ActionFinalized))
	assert.Equal(t, orchestrator.StateCompleted, f.state(t, healthy.OpID()))
	assert.Equal(t, orchestrator.StateInProgress, f.state(t, broken.OpID()))
	assert.Equal(t, int64(1), finalizer.Status().ItemErrors)
	assert.True(t, finalizer.Health(ctx).Healthy)
}

func TestFinalizerScanFailureMarksUnhealthy(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	store := &flakyStore{Store: f.store, scanErr: errors.New("connection refused")}

	finalizer := recovery.NewFinalizer(store, recovery.WithLogger(orchestrator.NopLogger{}))
	_, err := finalizer.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeStoreFailure))

	health := finalizer.Health(ctx)
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.Status.ConsecutiveFailures)
}

func TestFinalizerRunAndStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	env := f.started(t, "BIZ-LOOP")
	require.NoError(t, f.store.WriteAhead(ctx, env.OpID(), orchestrator.Ok{OpID: env.OpID()}))

	finalizer := recovery.NewFinalizer(f.store,
		recovery.WithInterval(5*time.Millisecond),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	done := make(chan error, 1)
	go func() { done <- finalizer.Run(ctx) }()

	require.Eventually(t, func() bool {
		state, err := f.store.GetState(ctx, env.OpID())
		return err == nil && state == orchestrator.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, finalizer.Stop(stopCtx))
	require.NoError(t, <-done)
	assert.Equal(t, recovery.RuntimeStopped, finalizer.Status().State)
}

func TestReaperIgnoresOperationsWithinThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	env := f.started(t, "BIZ-FRESH")

	reaper := recovery.NewReaper(f.store, f.bus,
		recovery.WithThreshold(time.Minute),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	f.clock.Advance(time.Minute)
	report, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, orchestrator.StateInProgress, f.state(t, env.OpID()))
}

func TestReaperFailStrategyFinalizesStuckOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	env := f.started(t, "BIZ-STUCK")

	reaper := recovery.NewReaper(f.store, f.bus,
		recovery.WithThreshold(time.Minute),
		recovery.WithStrategy(recovery.StrategyFail),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	f.clock.Advance(time.Minute + time.Second)

	report, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(recovery.ActionFinalized))
	assert.Equal(t, orchestrator.StateFailed, f.state(t, env.OpID()))

	outcome, err := f.store.GetWriteAheadOutcome(ctx, env.OpID())
	require.NoError(t, err)
	fail, ok := outcome.(orchestrator.Fail)
	require.True(t, ok)
	assert.Equal(t, recovery.CodeReaperTimeout, fail.ErrorCode)
	assert.Zero(t, f.bus.QueueSize())
}

func TestReaperRetryStrategyRepublishesEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	env := f.started(t, "BIZ-RETRY")

	reaper := recovery.NewReaper(f.store, f.bus,
		recovery.WithThreshold(time.Minute),
		recovery.WithStrategy(recovery.StrategyRetry),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	f.clock.Advance(2 * time.Minute)

	report, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(recovery.ActionRepublished))
	assert.Equal(t, orchestrator.StateInProgress, f.state(t, env.OpID()))

	delivered, err := f.bus.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, env.OpID(), delivered[0].OpID())
}

func TestReaperRetryDoesNotDoubleAScheduledRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	env := f.started(t, "BIZ-BACKOFF")
	require.NoError(t, f.bus.Publish(ctx, env, time.Hour))

	reaper := recovery.NewReaper(f.store, f.bus,
		recovery.WithThreshold(time.Minute),
		recovery.WithStrategy(recovery.StrategyRetry),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	f.clock.Advance(2 * time.Minute)

	_, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.bus.QueueSize())

	delivered, err := f.bus.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, delivered, 1, "the republish moved the delivery forward")
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.bus.Ack(ctx, delivered[0]))
	delivered, err = f.bus.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, delivered)
}

func TestReaperActsOncePerOperationWithinAScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.started(t, "BIZ-DEDUP")

	store := &flakyStore{Store: f.store, duplicateScan: true}
	reaper := recovery.NewReaper(store, f.bus,
		recovery.WithThreshold(time.Minute),
		recovery.WithStrategy(recovery.StrategyRetry),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	f.clock.Advance(2 * time.Minute)

	report, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Len(t, report.Items, 1)
	assert.Equal(t, 1, f.bus.QueueSize())
}

func TestReaperFinalizesStuckOperationFromWriteAhead(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	env := f.started(t, "BIZ-WAL")
	require.NoError(t, f.store.WriteAhead(ctx, env.OpID(), orchestrator.Ok{OpID: env.OpID(), Message: "done"}))

	reaper := recovery.NewReaper(f.store, f.bus,
		recovery.WithThreshold(time.Minute),
		recovery.WithStrategy(recovery.StrategyFail),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	f.clock.Advance(2 * time.Minute)

	report, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Items, 1)
	assert.Equal(t, recovery.ActionFinalized, report.Items[0].Action)
	assert.Equal(t, orchestrator.StateCompleted, report.Items[0].State, "the recorded outcome wins over the strategy")
	assert.Equal(t, orchestrator.StateCompleted, f.state(t, env.OpID()))

	outcome, err := f.store.GetWriteAheadOutcome(ctx, env.OpID())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Ok{OpID: env.OpID(), Message: "done"}, outcome)
}

func TestReaperRepublishesStrandedPendingOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	env := f.accepted(t, "BIZ-LOST")
	other := f.accepted(t, "BIZ-OTHER")

	reaper := recovery.NewReaper(f.store, f.bus,
		recovery.WithThreshold(time.Minute),
		recovery.WithStrategy(recovery.StrategyFail),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	f.clock.Advance(2 * time.Minute)
	fresh := f.accepted(t, "BIZ-FRESH")

	report, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Count(recovery.ActionRepublished))
	for _, item := range report.Items {
		assert.Equal(t, orchestrator.StatePending, item.State)
	}
	assert.Equal(t, orchestrator.StatePending, f.state(t, env.OpID()), "a stranded operation is never failed unseen")

	_, err = reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.bus.QueueSize(), "a second scan replaces the queued delivery")

	delivered, err := f.bus.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, delivered, 2)
	ids := []orchestrator.OpID{delivered[0].OpID(), delivered[1].OpID()}
	assert.ElementsMatch(t, []orchestrator.OpID{env.OpID(), other.OpID()}, ids)
	assert.NotContains(t, ids, fresh.OpID())
}

func TestReaperFailsStrandedOperationWithoutBus(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	env := f.accepted(t, "BIZ-NOBUS")

	reaper := recovery.NewReaper(f.store, nil,
		recovery.WithThreshold(time.Minute),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	f.clock.Advance(2 * time.Minute)

	report, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(recovery.ActionFinalized))
	assert.Equal(t, orchestrator.StateFailed, f.state(t, env.OpID()))
}

func TestReaperReportsPendingScanFailure(t *testing.T) {
	f := newFixture()
	store := &flakyStore{Store: f.store, pendingScanErr: errors.New("connection refused")}
	reaper := recovery.NewReaper(store, f.bus, recovery.WithLogger(orchestrator.NopLogger{}))

	_, err := reaper.RunOnce(context.Background())
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeStoreFailure))
	assert.False(t, reaper.Health(context.Background()).Healthy)
}

func TestReaperDefaultsAndValidation(t *testing.T) {
	f := newFixture()
	reaper := recovery.NewReaper(f.store, nil, recovery.WithLogger(orchestrator.NopLogger{}))
	assert.Equal(t, recovery.StrategyFail, reaper.Strategy())

	retrying := recovery.NewReaper(f.store, nil,
		recovery.WithStrategy(recovery.StrategyRetry),
		recovery.WithLogger(orchestrator.NopLogger{}),
	)
	_, err := retrying.RunOnce(context.Background())
	assert.Error(t, err)

	strategy, err := recovery.ParseStrategy(" retry ")
	require.NoError(t, err)
	assert.Equal(t, recovery.StrategyRetry, strategy)

	_, err = recovery.ParseStrategy("ignore")
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))
}
