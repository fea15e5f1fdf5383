package metrics_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/memstore"
	"github.com/ryu-qqq/Orchestrator-sub000/metrics"
	"github.com/ryu-qqq/Orchestrator-sub000/orchestratortest"
	"github.com/ryu-qqq/Orchestrator-sub000/recovery"
	"github.com/ryu-qqq/Orchestrator-sub000/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T) (*metrics.Recorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	recorder, err := metrics.NewFromProvider(provider)
	require.NoError(t, err)
	return recorder, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumBy(t *testing.T, data metricdata.Aggregation, key attribute.Key) map[string]int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "got %T", data)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(key)
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestRecorderCountsWorkerOutcomes(t *testing.T) {
	ctx := context.Background()
	recorder, reader := newRecorder(t)
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	store := memstore.NewStore(memstore.WithClock(clock.Now))
	bus := memstore.NewBus(memstore.WithClock(clock.Now))

	good := orchestratortest.Envelope(t, clock, "BIZ-GOOD", "IDEM-GOOD")
	bad := orchestratortest.Envelope(t, clock, "BIZ-BAD", "IDEM-BAD")
	for _, env := range []orchestrator.Envelope{good, bad} {
		_, err := store.Accept(ctx, env)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, env, 0))
	}

	w := worker.New(store, bus, orchestrator.ExecutorFunc(func(_ context.Context, env orchestrator.Envelope) orchestrator.Outcome {
		if env.OpID() == bad.OpID() {
			return orchestrator.Fail{ErrorCode: "DECLINED", Message: "card declined"}
		}
		return orchestrator.Ok{OpID: env.OpID(), Message: "done"}
	}), worker.WithLogger(orchestrator.NopLogger{}), worker.WithMetrics(recorder), worker.WithClock(clock.Now))

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	data := collect(t, reader)
	assert.Equal(t, map[string]int64{"completed": 1, "failed": 1},
		sumBy(t, data["orchestrator.worker.entries"], "outcome"))

	hist, ok := data["orchestrator.worker.execution.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func TestRecorderCountsRecoveryActions(t *testing.T) {
	recorder, reader := newRecorder(t)

	recorder.RecordRecovered("finalizer", recovery.ActionFinalized)
	recorder.RecordRecovered("finalizer", recovery.ActionFinalized)
	recorder.RecordRecovered("reaper", recovery.ActionRepublished)
	recorder.RecordScanFailure("reaper")
	recorder.RecordBookkeepingFailure("ack")
	recorder.RecordRetryAttempt(3)
	recorder.RecordExecutionDuration(20 * time.Millisecond)

	data := collect(t, reader)
	assert.Equal(t, map[string]int64{"finalized": 2, "republished": 1},
		sumBy(t, data["orchestrator.recovery.items"], "action"))
	assert.Equal(t, map[string]int64{"reaper": 1},
		sumBy(t, data["orchestrator.recovery.scan_failures"], "component"))
	assert.Equal(t, map[string]int64{"ack": 1},
		sumBy(t, data["orchestrator.worker.bookkeeping_failures"], "step"))

	retries, ok := data["orchestrator.worker.retry_attempt"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, retries.DataPoints, 1)
	assert.Equal(t, int64(3), retries.DataPoints[0].Sum)
}

func TestNewProviderWithoutEndpointStaysLocal(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider, err := metrics.NewProvider(ctx, metrics.ExporterConfig{ServiceName: "billing"}, reader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	recorder, err := metrics.NewFromProvider(provider)
	require.NoError(t, err)
	recorder.RecordEntryOutcome(worker.EntryCompleted)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	name, ok := rm.Resource.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "billing", name.AsString())
	assert.Equal(t, map[string]int64{"completed": 1},
		sumBy(t, collect(t, reader)["orchestrator.worker.entries"], "outcome"))
}

func TestNewProviderRejectsNegativeInterval(t *testing.T) {
	_, err := metrics.NewProvider(context.Background(), metrics.ExporterConfig{Interval: -time.Second})
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))
}
