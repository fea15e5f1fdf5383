// Package orchestratortest holds fixtures and contract suites that Store, Bus and
// IdempotencyManager implementations run from their own tests.
package orchestratortest

import (
	"context"
	"sync"
	"testing"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/stretchr/testify/require"
)

// Epoch is the default start time of test clocks.
var Epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep advances the clock instead of blocking. It honours cancellation.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// Command builds an ORDER/CREATE command for the given keys.
func Command(t testing.TB, bizKey, idemKey string) orchestrator.Command {
	t.Helper()
	cmd, err := orchestrator.ParseCommand("ORDER", "CREATE", bizKey, idemKey, []byte(`{"amount":100}`))
	require.NoError(t, err)
	return cmd
}

// Envelope builds an envelope with a fresh OpID accepted at the clock's current time.
func Envelope(t testing.TB, clock *Clock, bizKey, idemKey string) orchestrator.Envelope {
	t.Helper()
	env, err := orchestrator.NewEnvelope(orchestrator.NewOpID(), Command(t, bizKey, idemKey), clock.Now())
	require.NoError(t, err)
	return env
}

// Key builds an ORDER/CREATE idempotency key.
func Key(t testing.TB, bizKey, idemKey string) orchestrator.IdempotencyKey {
	t.Helper()
	return orchestrator.IdempotencyKeyFrom(Command(t, bizKey, idemKey))
}
