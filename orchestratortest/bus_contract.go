package orchestratortest

import (
	"context"
	"testing"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BusFactory returns a fresh, empty bus reading time from clock.
type BusFactory func(t *testing.T, clock *Clock) orchestrator.Bus

// RunBusContract checks the delivery behaviour every Bus implementation must provide.
func RunBusContract(t *testing.T, factory BusFactory) {
	ctx := context.Background()

	setup := func(t *testing.T) (orchestrator.Bus, *Clock) {
		clock := NewClock(Epoch)
		return factory(t, clock), clock
	}

	t.Run("publish then dequeue", func(t *testing.T) {
		bus, clock := setup(t)
		env := Envelope(t, clock, "BIZ-1", "IDEM-1")
		require.NoError(t, bus.Publish(ctx, env, 0))

		got, err := bus.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, env.OpID(), got[0].OpID())
		assert.Equal(t, env.Command().Payload(), got[0].Command().Payload())
		require.NoError(t, bus.Ack(ctx, got[0]))

		got, err = bus.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delayed envelopes wait until due", func(t *testing.T) {
		bus, clock := setup(t)
		env := Envelope(t, clock, "BIZ-2", "IDEM-2")
		require.NoError(t, bus.Publish(ctx, env, 5*time.Second))

		got, err := bus.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got)

		clock.Advance(5 * time.Second)
		got, err = bus.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, env.OpID(), got[0].OpID())
	})

	t.Run("due envelopes come out in due order", func(t *testing.T) {
		bus, clock := setup(t)
		late := Envelope(t, clock, "BIZ-LATE", "IDEM-LATE")
		early := Envelope(t, clock, "BIZ-EARLY", "IDEM-EARLY")
		require.NoError(t, bus.Publish(ctx, late, 2*time.Second))
		require.NoError(t, bus.Publish(ctx, early, time.Second))
		clock.Advance(3 * time.Second)

		got, err := bus.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, early.OpID(), got[0].OpID())

		got, err = bus.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, late.OpID(), got[0].OpID())
	})

	t.Run("nack redelivers", func(t *testing.T) {
		bus, clock := setup(t)
		env := Envelope(t, clock, "BIZ-3", "IDEM-3")
		require.NoError(t, bus.Publish(ctx, env, 0))

		got, err := bus.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.NoError(t, bus.Nack(ctx, got[0]))

		got, err = bus.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, env.OpID(), got[0].OpID())
	})

	t.Run("publishing a queued operation keeps one delivery", func(t *testing.T) {
		bus, clock := setup(t)
		env := Envelope(t, clock, "BIZ-6", "IDEM-6")
		require.NoError(t, bus.Publish(ctx, env, time.Minute))
		require.NoError(t, bus.Publish(ctx, env, 0))

		got, err := bus.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1, "the later publish replaces the delayed delivery")
		assert.Equal(t, env.OpID(), got[0].OpID())

		// Publishing while in flight schedules the next delivery; the late ack of the
		// previous one does not drop it.
		require.NoError(t, bus.Publish(ctx, env, 0))
		require.NoError(t, bus.Ack(ctx, got[0]))

		clock.Advance(2 * time.Minute)
		got, err = bus.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)

		require.NoError(t, bus.Ack(ctx, got[0]))
		got, err = bus.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("dead letter accepts failures", func(t *testing.T) {
		bus, clock := setup(t)
		env := Envelope(t, clock, "BIZ-4", "IDEM-4")
		require.NoError(t, bus.PublishToDLQ(ctx, env, orchestrator.Fail{ErrorCode: "E", Message: "bad"}))

		got, err := bus.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("rejects invalid arguments", func(t *testing.T) {
		bus, clock := setup(t)
		env := Envelope(t, clock, "BIZ-5", "IDEM-5")
		assert.Error(t, bus.Publish(ctx, env, -time.Second))
		_, err := bus.Dequeue(ctx, 0)
		assert.Error(t, err)
	})
}
