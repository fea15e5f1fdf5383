package memstore_test

import (
	"context"
	"testing"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/memstore"
	"github.com/ryu-qqq/Orchestrator-sub000/orchestratortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	orchestratortest.RunStoreContract(t, func(t *testing.T, clock *orchestratortest.Clock) orchestrator.Store {
		return memstore.NewStore(memstore.WithClock(clock.Now))
	})
}

func TestBusContract(t *testing.T) {
	orchestratortest.RunBusContract(t, func(t *testing.T, clock *orchestratortest.Clock) orchestrator.Bus {
		return memstore.NewBus(memstore.WithClock(clock.Now))
	})
}

func TestIdempotencyContract(t *testing.T) {
	orchestratortest.RunIdempotencyContract(t, func(t *testing.T) orchestrator.IdempotencyManager {
		return memstore.NewIdempotencyManager()
	})
}

func TestBusVisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	bus := memstore.NewBus(memstore.WithClock(clock.Now), memstore.WithVisibilityTimeout(10*time.Second))
	env := orchestratortest.Envelope(t, clock, "BIZ-1", "IDEM-1")

	require.NoError(t, bus.Publish(ctx, env, 0))
	got, err := bus.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, bus.InFlightSize())
	assert.Equal(t, 0, bus.ProcessVisibilityTimeouts())

	clock.Advance(11 * time.Second)
	assert.Equal(t, 1, bus.ProcessVisibilityTimeouts())
	assert.Equal(t, 0, bus.InFlightSize())
	assert.Equal(t, 1, bus.QueueSize())

	got, err = bus.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.OpID(), got[0].OpID())
}

func TestBusAckPreventsRedelivery(t *testing.T) {
	ctx := context.Background()
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	bus := memstore.NewBus(memstore.WithClock(clock.Now), memstore.WithVisibilityTimeout(time.Second))
	env := orchestratortest.Envelope(t, clock, "BIZ-2", "IDEM-2")

	require.NoError(t, bus.Publish(ctx, env, 0))
	got, err := bus.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, bus.Ack(ctx, got[0]))

	clock.Advance(time.Minute)
	assert.Equal(t, 0, bus.ProcessVisibilityTimeouts())
	assert.Equal(t, 0, bus.QueueSize())
	assert.Equal(t, 0, bus.InFlightSize())
}

func TestBusDeadLettersKeepFailure(t *testing.T) {
	ctx := context.Background()
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	bus := memstore.NewBus(memstore.WithClock(clock.Now))
	env := orchestratortest.Envelope(t, clock, "BIZ-3", "IDEM-3")
	fail := orchestrator.Fail{ErrorCode: "PAYMENT_DECLINED", Message: "card declined"}

	require.NoError(t, bus.PublishToDLQ(ctx, env, fail))
	assert.Error(t, bus.PublishToDLQ(ctx, env, orchestrator.Fail{}))

	letters := bus.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, env.OpID(), letters[0].Envelope.OpID())
	assert.Equal(t, fail, letters[0].Fail)
	assert.Equal(t, orchestratortest.Epoch, letters[0].At)

	bus.Clear()
	assert.Equal(t, 0, bus.DLQSize())
}

func TestStoreAttemptsAndClear(t *testing.T) {
	ctx := context.Background()
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	store := memstore.NewStore(memstore.WithClock(clock.Now))
	env := orchestratortest.Envelope(t, clock, "BIZ-4", "IDEM-4")

	_, err := store.Accept(ctx, env)
	require.NoError(t, err)
	_, err = store.MarkInProgress(ctx, env.OpID())
	require.NoError(t, err)
	_, err = store.MarkInProgress(ctx, env.OpID())
	require.NoError(t, err)

	assert.Equal(t, 2, store.Attempts(env.OpID()))
	assert.Equal(t, 1, store.Len())
	store.Clear()
	assert.Equal(t, 0, store.Len())
}
