package recovery

import (
	"context"
	"fmt"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// Finalizer completes operations whose outcome was written ahead but never finalized.
type Finalizer struct {
	store     orchestrator.Store
	batchSize int
	*loop
}

func NewFinalizer(store orchestrator.Store, opts ...Option) *Finalizer {
	o := buildOptions(DefaultFinalizerInterval, DefaultFinalizerBatchSize, opts)
	return &Finalizer{
		store:     store,
		batchSize: o.batchSize,
		loop:      newLoop("finalizer", o),
	}
}

// RunOnce finalizes one batch of pending write-ahead entries. A failure on one entry is
// logged and left for the next scan; only a failed scan is returned.
func (f *Finalizer) RunOnce(ctx context.Context) (Report, error) {
	report := Report{Component: "finalizer"}
	if f == nil || f.store == nil {
		return report, fmt.Errorf("finalizer store not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	report.StartedAt = f.now()

	ids, err := f.store.ScanWA(ctx, orchestrator.WriteAheadPending, f.batchSize)
	if err != nil {
		err = orchestrator.NewError(orchestrator.ErrStoreFailure, "scan write-ahead entries", err, nil)
		report.FinishedAt = f.now()
		f.record(report, err)
		return report, err
	}
	report.Scanned = len(ids)
	for _, id := range ids {
		report.Items = append(report.Items, f.finalize(ctx, id))
	}

	report.FinishedAt = f.now()
	f.record(report, nil)
	if report.Scanned > 0 {
		f.logger.Info("finalizer scan completed: %d of %d finalized", report.Count(ActionFinalized), report.Scanned)
	}
	return report, nil
}

func (f *Finalizer) finalize(ctx context.Context, opID orchestrator.OpID) ItemResult {
	result := ItemResult{OpID: opID}
	logger := orchestrator.WithLoggerFields(f.logger.WithContext(ctx), map[string]any{"op_id": opID.String()})

	outcome, err := f.store.GetWriteAheadOutcome(ctx, opID)
	if err != nil {
		logger.Error("load write-ahead outcome failed: %v", err)
		result.Action = ActionError
		result.Error = err.Error()
		return result
	}
	return finalizeOutcome(ctx, f.store, logger, opID, outcome)
}

// finalizeOutcome applies the terminal state of a written-ahead outcome.
func finalizeOutcome(ctx context.Context, store orchestrator.Store, logger orchestrator.Logger, opID orchestrator.OpID, outcome orchestrator.Outcome) ItemResult {
	result := ItemResult{OpID: opID}
	if _, ok := outcome.(orchestrator.Retry); ok {
		logger.Warn("write-ahead entry holds a retry outcome, finalizing as failed")
	}
	state := orchestrator.TerminalStateFor(outcome)
	if err := store.Finalize(ctx, opID, state); err != nil {
		logger.Error("finalize failed: %v", err)
		result.Action = ActionError
		result.Error = err.Error()
		return result
	}
	logger.Debug("finalized as %s", state)
	result.Action = ActionFinalized
	result.State = state
	return result
}

// Run scans on the configured interval until ctx is cancelled or Stop is called.
func (f *Finalizer) Run(ctx context.Context) error {
	if f == nil || f.store == nil {
		return fmt.Errorf("finalizer store not configured")
	}
	return f.run(ctx, f.RunOnce)
}

func (f *Finalizer) Stop(ctx context.Context) error { return f.stop(ctx) }

func (f *Finalizer) Status() Status { return f.snapshot() }

func (f *Finalizer) Health(_ context.Context) Health { return f.health() }
