package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/orchestratortest"
	"github.com/ryu-qqq/Orchestrator-sub000/redisstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, server
}

func TestBusContract(t *testing.T) {
	orchestratortest.RunBusContract(t, func(t *testing.T, clock *orchestratortest.Clock) orchestrator.Bus {
		client, _ := newClient(t)
		return redisstore.NewBus(client, redisstore.WithClock(clock.Now))
	})
}

func TestIdempotencyContract(t *testing.T) {
	orchestratortest.RunIdempotencyContract(t, func(t *testing.T) orchestrator.IdempotencyManager {
		client, _ := newClient(t)
		return redisstore.NewIdempotencyManager(client)
	})
}

func TestBusVisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	bus := redisstore.NewBus(client, redisstore.WithClock(clock.Now), redisstore.WithVisibilityTimeout(10*time.Second))
	env := orchestratortest.Envelope(t, clock, "BIZ-1", "IDEM-1")

	require.NoError(t, bus.Publish(ctx, env, 0))
	got, err := bus.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	inFlight, err := bus.InFlightSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inFlight)
	n, err := bus.ProcessVisibilityTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(11 * time.Second)
	n, err = bus.ProcessVisibilityTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	queued, err := bus.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)

	got, err = bus.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.OpID(), got[0].OpID())
}

func TestBusAckDropsEnvelope(t *testing.T) {
	ctx := context.Background()
	client, server := newClient(t)
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	bus := redisstore.NewBus(client, redisstore.WithClock(clock.Now), redisstore.WithKeyPrefix("orders"))
	env := orchestratortest.Envelope(t, clock, "BIZ-1", "IDEM-1")

	require.NoError(t, bus.Publish(ctx, env, 0))
	got, err := bus.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, bus.Ack(ctx, got[0]))

	assert.False(t, server.Exists("orders:envelopes"))
	clock.Advance(time.Hour)
	got, err = bus.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBusRepublishWhileInFlightSurvivesAck(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	bus := redisstore.NewBus(client, redisstore.WithClock(clock.Now))
	env := orchestratortest.Envelope(t, clock, "BIZ-1", "IDEM-1")

	require.NoError(t, bus.Publish(ctx, env, 0))
	got, err := bus.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, bus.Publish(ctx, got[0], 2*time.Second))
	require.NoError(t, bus.Ack(ctx, got[0]))

	clock.Advance(2 * time.Second)
	got, err = bus.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.OpID(), got[0].OpID())
}

func TestBusDeadLetters(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	bus := redisstore.NewBus(client, redisstore.WithClock(clock.Now))
	env := orchestratortest.Envelope(t, clock, "BIZ-1", "IDEM-1")
	fail := orchestrator.Fail{ErrorCode: "PAYMENT_DECLINED", Message: "card expired", Cause: "issuer"}

	require.NoError(t, bus.PublishToDLQ(ctx, env, fail))
	size, err := bus.DLQSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	letters, err := bus.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, env.OpID(), letters[0].Envelope.OpID())
	assert.Equal(t, fail, letters[0].Fail)
	assert.True(t, clock.Now().Equal(letters[0].At))

	err = bus.PublishToDLQ(ctx, env, orchestrator.Fail{})
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))
}

func TestBusReportsServerFailure(t *testing.T) {
	ctx := context.Background()
	client, server := newClient(t)
	bus := redisstore.NewBus(client)
	server.Close()

	_, err := bus.Dequeue(ctx, 1)
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeBusFailure))
}

func TestIdempotencyKeyTTL(t *testing.T) {
	ctx := context.Background()
	client, server := newClient(t)
	manager := redisstore.NewIdempotencyManager(client, redisstore.WithKeyTTL(time.Minute))
	key := orchestratortest.Key(t, "BIZ-1", "IDEM-1")

	first, err := manager.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.True(t, server.Exists("orch:idem:"+key.Canonical()))

	server.FastForward(2 * time.Minute)
	_, found, err := manager.Find(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	second, err := manager.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
