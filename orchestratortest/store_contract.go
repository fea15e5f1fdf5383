package orchestratortest

import (
	"context"
	"sync"
	"testing"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory returns a fresh, empty store reading time from clock.
type StoreFactory func(t *testing.T, clock *Clock) orchestrator.Store

// RunStoreContract checks the behaviour every Store implementation must provide.
func RunStoreContract(t *testing.T, factory StoreFactory) {
	ctx := context.Background()

	setup := func(t *testing.T) (orchestrator.Store, *Clock) {
		clock := NewClock(Epoch)
		return factory(t, clock), clock
	}

	t.Run("accept inserts once", func(t *testing.T) {
		store, clock := setup(t)
		env := Envelope(t, clock, "BIZ-1", "IDEM-1")

		created, err := store.Accept(ctx, env)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = store.Accept(ctx, env)
		require.NoError(t, err)
		assert.False(t, created)

		state, err := store.GetState(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, orchestrator.StatePending, state)

		got, err := store.GetEnvelope(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, env.OpID(), got.OpID())
		assert.Equal(t, env.Command().BizKey(), got.Command().BizKey())
		assert.Equal(t, env.Command().Payload(), got.Command().Payload())
		assert.True(t, env.AcceptedAt().Equal(got.AcceptedAt()))
	})

	t.Run("unknown operation is not found", func(t *testing.T) {
		store, _ := setup(t)
		missing := orchestrator.NewOpID()

		_, err := store.GetState(ctx, missing)
		assert.True(t, orchestrator.IsNotFound(err), "got %v", err)
		_, err = store.GetEnvelope(ctx, missing)
		assert.True(t, orchestrator.IsNotFound(err), "got %v", err)
		_, err = store.GetWriteAheadOutcome(ctx, missing)
		assert.True(t, orchestrator.IsNotFound(err), "got %v", err)
		_, err = store.MarkInProgress(ctx, missing)
		assert.True(t, orchestrator.IsNotFound(err), "got %v", err)
	})

	t.Run("mark in progress counts attempts", func(t *testing.T) {
		store, clock := setup(t)
		env := acceptEnvelope(t, store, clock, "BIZ-2", "IDEM-2")

		attempt, err := store.MarkInProgress(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, 1, attempt)

		attempt, err = store.MarkInProgress(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, 2, attempt)

		state, err := store.GetState(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, orchestrator.StateInProgress, state)
	})

	t.Run("write ahead then finalize completes atomically", func(t *testing.T) {
		store, clock := setup(t)
		env := startEnvelope(t, store, clock, "BIZ-3", "IDEM-3")

		ok := orchestrator.Ok{OpID: env.OpID(), Message: "done"}
		require.NoError(t, store.WriteAhead(ctx, env.OpID(), ok))

		pending, err := store.ScanWA(ctx, orchestrator.WriteAheadPending, 10)
		require.NoError(t, err)
		assert.Equal(t, []orchestrator.OpID{env.OpID()}, pending)

		require.NoError(t, store.Finalize(ctx, env.OpID(), orchestrator.StateCompleted))

		state, err := store.GetState(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, orchestrator.StateCompleted, state)

		pending, err = store.ScanWA(ctx, orchestrator.WriteAheadPending, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		completed, err := store.ScanWA(ctx, orchestrator.WriteAheadCompleted, 10)
		require.NoError(t, err)
		assert.Equal(t, []orchestrator.OpID{env.OpID()}, completed)

		outcome, err := store.GetWriteAheadOutcome(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, ok, outcome)
	})

	t.Run("finalize is idempotent for the same state", func(t *testing.T) {
		store, clock := setup(t)
		env := startEnvelope(t, store, clock, "BIZ-4", "IDEM-4")

		require.NoError(t, store.WriteAhead(ctx, env.OpID(), orchestrator.Fail{ErrorCode: "E", Message: "boom"}))
		require.NoError(t, store.Finalize(ctx, env.OpID(), orchestrator.StateFailed))
		require.NoError(t, store.Finalize(ctx, env.OpID(), orchestrator.StateFailed))

		err := store.Finalize(ctx, env.OpID(), orchestrator.StateCompleted)
		assert.True(t, orchestrator.IsAlreadyFinalized(err), "got %v", err)

		state, err := store.GetState(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, orchestrator.StateFailed, state)
	})

	t.Run("terminal operations reject further writes", func(t *testing.T) {
		store, clock := setup(t)
		env := startEnvelope(t, store, clock, "BIZ-5", "IDEM-5")
		require.NoError(t, store.WriteAhead(ctx, env.OpID(), orchestrator.Ok{OpID: env.OpID()}))
		require.NoError(t, store.Finalize(ctx, env.OpID(), orchestrator.StateCompleted))

		err := store.WriteAhead(ctx, env.OpID(), orchestrator.Fail{ErrorCode: "E", Message: "late"})
		assert.True(t, orchestrator.IsAlreadyFinalized(err), "got %v", err)

		_, err = store.MarkInProgress(ctx, env.OpID())
		assert.True(t, orchestrator.IsAlreadyFinalized(err), "got %v", err)

		outcome, err := store.GetWriteAheadOutcome(ctx, env.OpID())
		require.NoError(t, err)
		assert.IsType(t, orchestrator.Ok{}, outcome)
	})

	t.Run("finalize rejects invalid requests", func(t *testing.T) {
		store, clock := setup(t)
		env := acceptEnvelope(t, store, clock, "BIZ-6", "IDEM-6")

		err := store.Finalize(ctx, env.OpID(), orchestrator.StateInProgress)
		assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument), "got %v", err)

		_, err = store.MarkInProgress(ctx, env.OpID())
		require.NoError(t, err)
		err = store.Finalize(ctx, env.OpID(), orchestrator.StateCompleted)
		assert.True(t, orchestrator.HasCode(err, orchestrator.CodeWriteAheadMissing), "got %v", err)
	})

	t.Run("pending operations cannot skip in progress", func(t *testing.T) {
		store, clock := setup(t)
		env := acceptEnvelope(t, store, clock, "BIZ-7", "IDEM-7")
		require.NoError(t, store.WriteAhead(ctx, env.OpID(), orchestrator.Ok{OpID: env.OpID()}))

		err := store.Finalize(ctx, env.OpID(), orchestrator.StateCompleted)
		assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidTransition), "got %v", err)

		state, err := store.GetState(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, orchestrator.StatePending, state)
	})

	t.Run("write ahead replaces an unfinalized entry", func(t *testing.T) {
		store, clock := setup(t)
		env := startEnvelope(t, store, clock, "BIZ-8", "IDEM-8")

		require.NoError(t, store.WriteAhead(ctx, env.OpID(), orchestrator.Fail{ErrorCode: "E1", Message: "first"}))
		require.NoError(t, store.WriteAhead(ctx, env.OpID(), orchestrator.Ok{OpID: env.OpID(), Message: "second"}))

		outcome, err := store.GetWriteAheadOutcome(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, orchestrator.Ok{OpID: env.OpID(), Message: "second"}, outcome)
	})

	t.Run("scan write ahead is oldest first and bounded", func(t *testing.T) {
		store, clock := setup(t)
		var ids []orchestrator.OpID
		for _, key := range []string{"A", "B", "C"} {
			env := startEnvelope(t, store, clock, "BIZ-"+key, "IDEM-"+key)
			require.NoError(t, store.WriteAhead(ctx, env.OpID(), orchestrator.Ok{OpID: env.OpID()}))
			ids = append(ids, env.OpID())
			clock.Advance(time.Second)
		}

		got, err := store.ScanWA(ctx, orchestrator.WriteAheadPending, 2)
		require.NoError(t, err)
		assert.Equal(t, ids[:2], got)

		_, err = store.ScanWA(ctx, orchestrator.WriteAheadPending, 0)
		assert.Error(t, err)
	})

	t.Run("scan in progress honours the age threshold", func(t *testing.T) {
		store, clock := setup(t)
		old := startEnvelope(t, store, clock, "BIZ-OLD", "IDEM-OLD")
		clock.Advance(time.Minute)
		fresh := startEnvelope(t, store, clock, "BIZ-NEW", "IDEM-NEW")
		pending := acceptEnvelope(t, store, clock, "BIZ-PEND", "IDEM-PEND")
		clock.Advance(30 * time.Second)

		got, err := store.ScanInProgress(ctx, time.Minute, 10)
		require.NoError(t, err)
		assert.Equal(t, []orchestrator.OpID{old.OpID()}, got)

		got, err = store.ScanInProgress(ctx, 10*time.Second, 10)
		require.NoError(t, err)
		assert.Equal(t, []orchestrator.OpID{old.OpID(), fresh.OpID()}, got)
		assert.NotContains(t, got, pending.OpID())

		got, err = store.ScanInProgress(ctx, 10*time.Second, 1)
		require.NoError(t, err)
		assert.Equal(t, []orchestrator.OpID{old.OpID()}, got)
	})

	t.Run("scan pending finds only stranded accepted operations", func(t *testing.T) {
		store, clock := setup(t)
		stranded := acceptEnvelope(t, store, clock, "BIZ-LOST", "IDEM-LOST")
		started := startEnvelope(t, store, clock, "BIZ-RUN", "IDEM-RUN")
		clock.Advance(time.Minute)
		fresh := acceptEnvelope(t, store, clock, "BIZ-FRESH", "IDEM-FRESH")
		clock.Advance(time.Second)

		got, err := store.ScanPending(ctx, 30*time.Second, 10)
		require.NoError(t, err)
		assert.Equal(t, []orchestrator.OpID{stranded.OpID()}, got)
		assert.NotContains(t, got, started.OpID())

		got, err = store.ScanPending(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []orchestrator.OpID{stranded.OpID(), fresh.OpID()}, got)

		_, err = store.ScanPending(ctx, time.Second, 0)
		assert.Error(t, err)
	})

	t.Run("concurrent finalizers agree on one terminal state", func(t *testing.T) {
		store, clock := setup(t)
		env := startEnvelope(t, store, clock, "BIZ-9", "IDEM-9")

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				if err := store.WriteAhead(ctx, env.OpID(), orchestrator.Ok{OpID: env.OpID()}); err != nil {
					if !orchestrator.IsAlreadyFinalized(err) {
						errs[i] = err
					}
					return
				}
				errs[i] = store.Finalize(ctx, env.OpID(), orchestrator.StateCompleted)
			}(i)
		}
		close(start)
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		state, err := store.GetState(ctx, env.OpID())
		require.NoError(t, err)
		assert.Equal(t, orchestrator.StateCompleted, state)
	})
}

func acceptEnvelope(t *testing.T, store orchestrator.Store, clock *Clock, bizKey, idemKey string) orchestrator.Envelope {
	t.Helper()
	env := Envelope(t, clock, bizKey, idemKey)
	created, err := store.Accept(context.Background(), env)
	require.NoError(t, err)
	require.True(t, created)
	return env
}

func startEnvelope(t *testing.T, store orchestrator.Store, clock *Clock, bizKey, idemKey string) orchestrator.Envelope {
	t.Helper()
	env := acceptEnvelope(t, store, clock, bizKey, idemKey)
	_, err := store.MarkInProgress(context.Background(), env.OpID())
	require.NoError(t, err)
	return env
}
