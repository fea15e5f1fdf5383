// Package recovery repairs what the worker could not finish. The Finalizer completes
// write-ahead entries whose Finalize call was lost, and the Reaper resolves operations
// that stayed IN_PROGRESS or PENDING past a threshold.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// ItemAction is what a scan did with one operation.
type ItemAction string

const (
	ActionFinalized   ItemAction = "finalized"
	ActionRepublished ItemAction = "republished"
	ActionSkipped     ItemAction = "skipped"
	ActionError       ItemAction = "error"
)

// ItemResult records the handling of one scanned operation.
type ItemResult struct {
	OpID   orchestrator.OpID
	Action ItemAction
	State  orchestrator.OperationState
	Error  string
}

// Report summarizes one scan.
type Report struct {
	Component  string
	Scanned    int
	StartedAt  time.Time
	FinishedAt time.Time
	Items      []ItemResult
}

// Count returns how many items ended with action.
func (r Report) Count(action ItemAction) int {
	n := 0
	for _, item := range r.Items {
		if item.Action == action {
			n++
		}
	}
	return n
}

type RuntimeState string

const (
	RuntimeIdle     RuntimeState = "idle"
	RuntimeRunning  RuntimeState = "running"
	RuntimeStopping RuntimeState = "stopping"
	RuntimeStopped  RuntimeState = "stopped"
)

// Status is the latest runtime state and scan figures.
type Status struct {
	Component           string
	State               RuntimeState
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastScanned         int
	ItemErrors          int64
}

// Health is derived from Status.
type Health struct {
	Healthy bool
	Reason  string
	Status  Status
}

// Metrics receives recovery observations.
type Metrics interface {
	RecordRecovered(component string, action ItemAction)
	RecordScanFailure(component string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRecovered(string, ItemAction) {}
func (noopMetrics) RecordScanFailure(string)           {}

// loop is the Run/Stop/Status machinery shared by the Finalizer and the Reaper.
type loop struct {
	component string
	interval  time.Duration
	logger    orchestrator.Logger
	metrics   Metrics
	now       func() time.Time

	stateMu sync.RWMutex
	status  Status

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

func newLoop(component string, o options) *loop {
	l := &loop{
		component: component,
		interval:  o.interval,
		logger:    orchestrator.NormalizeLogger(o.logger),
		metrics:   o.metrics,
		now:       o.now,
	}
	if l.metrics == nil {
		l.metrics = noopMetrics{}
	}
	l.status = Status{Component: component, State: RuntimeIdle}
	return l
}

func (l *loop) run(ctx context.Context, once func(context.Context) (Report, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.runMu.Lock()
	if l.running {
		l.runMu.Unlock()
		return fmt.Errorf("%s already running", l.component)
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	l.runCancel = cancel
	l.runDone = runDone
	l.running = true
	l.runMu.Unlock()

	l.setRuntimeState(RuntimeRunning)
	logger := orchestrator.WithLoggerFields(l.logger.WithContext(runCtx), map[string]any{"component": l.component})
	logger.Info("%s started, scanning every %s", l.component, l.interval)

	defer func() {
		l.runMu.Lock()
		l.running = false
		l.runCancel = nil
		l.runDone = nil
		close(runDone)
		l.runMu.Unlock()
		l.setRuntimeState(RuntimeStopped)
		logger.Info("%s stopped", l.component)
	}()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if _, err := once(runCtx); err != nil {
			logger.Warn("%s scan failed: %v", l.component, err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *loop) stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.runMu.Lock()
	cancel, done, running := l.runCancel, l.runDone, l.running
	l.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		l.setRuntimeState(RuntimeStopped)
		return nil
	}
	l.setRuntimeState(RuntimeStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *loop) snapshot() Status {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.status
}

func (l *loop) health() Health {
	status := l.snapshot()
	health := Health{Healthy: true, Status: status}
	switch {
	case status.ConsecutiveFailures > 0:
		health.Healthy = false
		health.Reason = "scan failures detected"
	case status.State == RuntimeStopped && !status.LastRunAt.IsZero():
		health.Healthy = false
		health.Reason = l.component + " stopped"
	}
	return health
}

func (l *loop) record(report Report, scanErr error) {
	now := l.now()
	if scanErr != nil {
		l.metrics.RecordScanFailure(l.component)
	}
	for _, item := range report.Items {
		l.metrics.RecordRecovered(l.component, item.Action)
	}

	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.status.LastRunAt = now
	l.status.LastScanned = report.Scanned
	l.status.ItemErrors += int64(report.Count(ActionError))
	if scanErr == nil {
		l.status.LastSuccessAt = now
		l.status.LastError = ""
		l.status.ConsecutiveFailures = 0
		return
	}
	l.status.LastError = scanErr.Error()
	l.status.ConsecutiveFailures++
}

func (l *loop) setRuntimeState(state RuntimeState) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.status.State = state
}
