package orchestratortest

import (
	"context"
	"sync"
	"testing"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// IdempotencyFactory returns a fresh, empty idempotency manager.
type IdempotencyFactory func(t *testing.T) orchestrator.IdempotencyManager

// RunIdempotencyContract checks the key to OpID mapping guarantees.
func RunIdempotencyContract(t *testing.T, factory IdempotencyFactory) {
	ctx := context.Background()

	t.Run("same key yields same op id", func(t *testing.T) {
		manager := factory(t)
		key := Key(t, "BIZ-1", "IDEM-1")

		first, err := manager.GetOrCreate(ctx, key)
		require.NoError(t, err)
		second, err := manager.GetOrCreate(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.False(t, first.IsZero())
	})

	t.Run("different idem key yields different op id", func(t *testing.T) {
		manager := factory(t)
		a, err := manager.GetOrCreate(ctx, Key(t, "BIZ-2", "IDEM-A"))
		require.NoError(t, err)
		b, err := manager.GetOrCreate(ctx, Key(t, "BIZ-2", "IDEM-B"))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("separators inside key parts do not collide", func(t *testing.T) {
		manager := factory(t)
		left := Key(t, "a:b", "c")
		right := Key(t, "a", "b:c")

		a, err := manager.GetOrCreate(ctx, left)
		require.NoError(t, err)
		b, err := manager.GetOrCreate(ctx, right)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)

		again, err := manager.GetOrCreate(ctx, left)
		require.NoError(t, err)
		assert.Equal(t, a, again)
	})

	t.Run("find is a pure lookup", func(t *testing.T) {
		manager := factory(t)
		key := Key(t, "BIZ-3", "IDEM-3")

		_, found, err := manager.Find(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)

		created, err := manager.GetOrCreate(ctx, key)
		require.NoError(t, err)

		got, found, err := manager.Find(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, created, got)
	})

	t.Run("concurrent callers share one op id", func(t *testing.T) {
		manager := factory(t)
		key := Key(t, "BIZ-4", "IDEM-4")

		const callers = 16
		ids := make([]orchestrator.OpID, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				ids[i], errs[i] = manager.GetOrCreate(ctx, key)
			}(i)
		}
		close(start)
		wg.Wait()

		distinct := map[orchestrator.OpID]struct{}{}
		for i := range ids {
			require.NoError(t, errs[i])
			distinct[ids[i]] = struct{}{}
		}
		assert.Len(t, distinct, 1)
	})

	t.Run("rejects incomplete keys", func(t *testing.T) {
		manager := factory(t)
		_, err := manager.GetOrCreate(ctx, orchestrator.IdempotencyKey{})
		assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument), "got %v", err)
	})
}
