// Package metrics records worker and recovery activity as OpenTelemetry instruments.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ryu-qqq/Orchestrator-sub000/recovery"
	"github.com/ryu-qqq/Orchestrator-sub000/worker"
)

// InstrumentationName is the meter name used by NewFromProvider.
const InstrumentationName = "github.com/ryu-qqq/Orchestrator-sub000"

const (
	attrOutcome   = attribute.Key("outcome")
	attrStep      = attribute.Key("step")
	attrComponent = attribute.Key("component")
	attrAction    = attribute.Key("action")
)

// Recorder implements worker.Metrics and recovery.Metrics.
type Recorder struct {
	entries      metric.Int64Counter
	retries      metric.Int64Histogram
	duration     metric.Float64Histogram
	bookkeeping  metric.Int64Counter
	recovered    metric.Int64Counter
	scanFailures metric.Int64Counter
}

var (
	_ worker.Metrics   = (*Recorder)(nil)
	_ recovery.Metrics = (*Recorder)(nil)
)

func NewFromProvider(provider metric.MeterProvider) (*Recorder, error) {
	return New(provider.Meter(InstrumentationName))
}

func New(meter metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)
	if r.entries, err = meter.Int64Counter("orchestrator.worker.entries",
		metric.WithDescription("Deliveries handled by the worker, by outcome"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if r.retries, err = meter.Int64Histogram("orchestrator.worker.retry_attempt",
		metric.WithDescription("Attempt number of scheduled retries"),
		metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 8, 13, 21),
	); err != nil {
		return nil, err
	}
	if r.duration, err = meter.Float64Histogram("orchestrator.worker.execution.duration",
		metric.WithDescription("Executor run time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return nil, err
	}
	if r.bookkeeping, err = meter.Int64Counter("orchestrator.worker.bookkeeping_failures",
		metric.WithDescription("Store or bus writes that failed after execution"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}
	if r.recovered, err = meter.Int64Counter("orchestrator.recovery.items",
		metric.WithDescription("Operations visited by the finalizer and reaper, by action"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if r.scanFailures, err = meter.Int64Counter("orchestrator.recovery.scan_failures",
		metric.WithDescription("Recovery scans that failed"),
		metric.WithUnit("{scan}"),
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Recorder) RecordEntryOutcome(outcome worker.EntryOutcome) {
	r.entries.Add(context.Background(), 1, metric.WithAttributes(attrOutcome.String(string(outcome))))
}

func (r *Recorder) RecordRetryAttempt(attempt int) {
	r.retries.Record(context.Background(), int64(attempt))
}

func (r *Recorder) RecordExecutionDuration(d time.Duration) {
	r.duration.Record(context.Background(), d.Seconds())
}

func (r *Recorder) RecordBookkeepingFailure(step string) {
	r.bookkeeping.Add(context.Background(), 1, metric.WithAttributes(attrStep.String(step)))
}

func (r *Recorder) RecordRecovered(component string, action recovery.ItemAction) {
	r.recovered.Add(context.Background(), 1, metric.WithAttributes(
		attrComponent.String(component),
		attrAction.String(string(action)),
	))
}

func (r *Recorder) RecordScanFailure(component string) {
	r.scanFailures.Add(context.Background(), 1, metric.WithAttributes(attrComponent.String(component)))
}
