package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// CodeReaperTimeout marks operations failed by the Reaper.
const CodeReaperTimeout = "REAPER_TIMEOUT"

// Strategy is how the Reaper resolves an operation stuck IN_PROGRESS.
type Strategy string

const (
	// StrategyRetry publishes the stored envelope again.
	StrategyRetry Strategy = "RETRY"
	// StrategyFail writes ahead a REAPER_TIMEOUT failure and finalizes FAILED.
	StrategyFail Strategy = "FAIL"
)

func (s Strategy) Valid() bool {
	return s == StrategyRetry || s == StrategyFail
}

func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", orchestrator.NewError(orchestrator.ErrInvalidArgument, "unknown reaper strategy", nil, map[string]any{"strategy": raw})
	}
	return s, nil
}

// Reaper resolves operations that stayed IN_PROGRESS longer than the threshold, and
// republishes operations that stayed PENDING that long because their delivery was lost.
type Reaper struct {
	store     orchestrator.Store
	bus       orchestrator.Bus
	batchSize int
	threshold time.Duration
	strategy  Strategy
	*loop
}

func NewReaper(store orchestrator.Store, bus orchestrator.Bus, opts ...Option) *Reaper {
	o := buildOptions(DefaultReaperInterval, DefaultReaperBatchSize, opts)
	return &Reaper{
		store:     store,
		bus:       bus,
		batchSize: o.batchSize,
		threshold: o.threshold,
		strategy:  o.strategy,
		loop:      newLoop("reaper", o),
	}
}

// Strategy returns the configured resolution strategy.
func (r *Reaper) Strategy() Strategy { return r.strategy }

// RunOnce reconciles one batch of stuck operations and one batch of stranded PENDING
// operations. Each operation gets exactly one action per scan; failures on single items
// are logged and retried on the next scan.
func (r *Reaper) RunOnce(ctx context.Context) (Report, error) {
	report := Report{Component: "reaper"}
	if err := r.validate(); err != nil {
		return report, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	report.StartedAt = r.now()
	finish := func(err error) (Report, error) {
		report.FinishedAt = r.now()
		r.record(report, err)
		return report, err
	}

	stuck, err := r.store.ScanInProgress(ctx, r.threshold, r.batchSize)
	if err != nil {
		return finish(orchestrator.NewError(orchestrator.ErrStoreFailure, "scan in-progress operations", err, nil))
	}
	stranded, err := r.store.ScanPending(ctx, r.threshold, r.batchSize)
	if err != nil {
		return finish(orchestrator.NewError(orchestrator.ErrStoreFailure, "scan pending operations", err, nil))
	}

	seen := make(map[orchestrator.OpID]struct{}, len(stuck)+len(stranded))
	for _, id := range stuck {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		report.Items = append(report.Items, r.reconcile(ctx, id))
	}
	for _, id := range stranded {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		report.Items = append(report.Items, r.redeliver(ctx, id))
	}
	report.Scanned = len(seen)

	report.FinishedAt = r.now()
	r.record(report, nil)
	if report.Scanned > 0 {
		r.logger.Info("reaper scan completed: %d of %d stuck operations reconciled with %s",
			report.Scanned-report.Count(ActionError)-report.Count(ActionSkipped), report.Scanned, r.strategy)
	}
	return report, nil
}

func (r *Reaper) itemLogger(ctx context.Context, opID orchestrator.OpID) orchestrator.Logger {
	return orchestrator.WithLoggerFields(r.logger.WithContext(ctx), map[string]any{
		"op_id":    opID.String(),
		"strategy": string(r.strategy),
	})
}

func (r *Reaper) reconcile(ctx context.Context, opID orchestrator.OpID) ItemResult {
	logger := r.itemLogger(ctx, opID)

	// A write-ahead entry already holds the real outcome, so it decides the terminal
	// state whatever the strategy. The Finalizer does the same on its own schedule.
	outcome, err := r.store.GetWriteAheadOutcome(ctx, opID)
	if err == nil {
		logger.Info("finalizing stuck operation from its write-ahead entry")
		return finalizeOutcome(ctx, r.store, logger, opID, outcome)
	}
	if !orchestrator.IsNotFound(err) {
		return r.itemError(logger, opID, err)
	}

	if r.strategy == StrategyRetry {
		return r.republish(ctx, logger, opID, orchestrator.StateInProgress)
	}
	return r.fail(ctx, logger, opID)
}

// redeliver publishes a PENDING operation again. It never ran, so it is retried whatever
// the strategy. Without a bus it can only be failed, which takes it through IN_PROGRESS.
func (r *Reaper) redeliver(ctx context.Context, opID orchestrator.OpID) ItemResult {
	logger := r.itemLogger(ctx, opID)
	if r.bus != nil {
		return r.republish(ctx, logger, opID, orchestrator.StatePending)
	}
	if _, err := r.store.MarkInProgress(ctx, opID); err != nil {
		if orchestrator.IsAlreadyFinalized(err) {
			return ItemResult{OpID: opID, Action: ActionSkipped}
		}
		return r.itemError(logger, opID, err)
	}
	return r.fail(ctx, logger, opID)
}

func (r *Reaper) republish(ctx context.Context, logger orchestrator.Logger, opID orchestrator.OpID, state orchestrator.OperationState) ItemResult {
	env, err := r.store.GetEnvelope(ctx, opID)
	if err != nil {
		return r.itemError(logger, opID, err)
	}
	if err := r.bus.Publish(ctx, env, 0); err != nil {
		return r.itemError(logger, opID, orchestrator.NewError(orchestrator.ErrBusFailure, "republish envelope", err, nil))
	}
	logger.Info("republished %s operation", state)
	return ItemResult{OpID: opID, Action: ActionRepublished, State: state}
}

func (r *Reaper) fail(ctx context.Context, logger orchestrator.Logger, opID orchestrator.OpID) ItemResult {
	outcome := orchestrator.Fail{
		ErrorCode: CodeReaperTimeout,
		Message:   fmt.Sprintf("operation unresolved for longer than %s", r.threshold),
	}
	if err := r.store.WriteAhead(ctx, opID, outcome); err != nil {
		if orchestrator.IsAlreadyFinalized(err) {
			return ItemResult{OpID: opID, Action: ActionSkipped}
		}
		return r.itemError(logger, opID, err)
	}
	if err := r.store.Finalize(ctx, opID, orchestrator.StateFailed); err != nil {
		return r.itemError(logger, opID, err)
	}
	logger.Info("marked stuck operation as failed")
	return ItemResult{OpID: opID, Action: ActionFinalized, State: orchestrator.StateFailed}
}

func (r *Reaper) itemError(logger orchestrator.Logger, opID orchestrator.OpID, err error) ItemResult {
	logger.Error("reconcile failed: %v", err)
	return ItemResult{OpID: opID, Action: ActionError, Error: err.Error()}
}

// Run scans on the configured interval until ctx is cancelled or Stop is called.
func (r *Reaper) Run(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}
	return r.run(ctx, r.RunOnce)
}

func (r *Reaper) Stop(ctx context.Context) error { return r.stop(ctx) }

func (r *Reaper) Status() Status { return r.snapshot() }

func (r *Reaper) Health(_ context.Context) Health { return r.health() }

func (r *Reaper) validate() error {
	if r == nil || r.store == nil {
		return fmt.Errorf("reaper store not configured")
	}
	if r.strategy == StrategyRetry && r.bus == nil {
		return fmt.Errorf("reaper bus required for the retry strategy")
	}
	return nil
}
