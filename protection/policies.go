package protection

import (
	"sync/atomic"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// FixedTimeout applies the same per-attempt timeout to every operation.
type FixedTimeout struct {
	Timeout  time.Duration
	timeouts atomic.Int64
}

func NewFixedTimeout(d time.Duration) *FixedTimeout {
	return &FixedTimeout{Timeout: d}
}

func (f *FixedTimeout) PerAttemptTimeout(orchestrator.OpID) time.Duration { return f.Timeout }

func (f *FixedTimeout) RecordTimeout(orchestrator.OpID, time.Duration) { f.timeouts.Add(1) }

// Timeouts returns how many attempts timed out.
func (f *FixedTimeout) Timeouts() int64 { return f.timeouts.Load() }

// FixedHedge launches up to Max duplicate attempts, each Delay after the previous one.
type FixedHedge struct {
	Delay time.Duration
	Max   int

	attempts atomic.Int64
	hedgeWin atomic.Int64
}

func NewFixedHedge(delay time.Duration, max int) *FixedHedge {
	return &FixedHedge{Delay: delay, Max: max}
}

func (h *FixedHedge) ShouldHedge(orchestrator.OpID) bool         { return h.Max > 0 }
func (h *FixedHedge) HedgeDelay(orchestrator.OpID) time.Duration { return h.Delay }
func (h *FixedHedge) MaxHedges(orchestrator.OpID) int            { return h.Max }
func (h *FixedHedge) RecordHedgeAttempt(orchestrator.OpID, int)  { h.attempts.Add(1) }

func (h *FixedHedge) RecordSuccess(_ orchestrator.OpID, wasHedge bool) {
	if wasHedge {
		h.hedgeWin.Add(1)
	}
}

// Stats returns how many hedges were launched and how many of them won.
func (h *FixedHedge) Stats() (launched, won int64) {
	return h.attempts.Load(), h.hedgeWin.Load()
}
