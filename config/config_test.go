package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/recovery"
	"github.com/ryu-qqq/Orchestrator-sub000/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 50*time.Millisecond, cfg.Orchestrator.MinTimeBudget)
	assert.Equal(t, recovery.StrategyFail, cfg.Reaper.ReaperStrategy())
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
orchestrator:
  max_time_budget: 2s
  boundary_policy: inclusive
worker:
  concurrency: 8
  max_retries: 3
  base_delay: 250ms
  max_delay: 10s
reaper:
  strategy: retry
  threshold: 2m
store:
  driver: sqlite
  dsn: /tmp/orchestrator.db
  table_prefix: billing
bus:
  driver: redis
redis:
  addr: redis:6379
metrics:
  otlp_endpoint: collector:4317
  insecure: true
protection:
  timeout: 500ms
  circuit_breaker:
    failure_threshold: 5
    reset_timeout: 30s
  bulkhead:
    max_concurrent: 16
    max_wait: 50ms
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Orchestrator.MaxTimeBudget)
	assert.Equal(t, 50*time.Millisecond, cfg.Orchestrator.MinTimeBudget, "untouched fields keep defaults")
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Equal(t, recovery.StrategyRetry, cfg.Reaper.ReaperStrategy())
	assert.Equal(t, "billing", cfg.Store.TablePrefix)
	assert.Equal(t, "collector:4317", cfg.Metrics.Endpoint)
	assert.Equal(t, 15*time.Second, cfg.Metrics.Interval)
	require.NotNil(t, cfg.Protection.Bulkhead)
	assert.Equal(t, 16, cfg.Protection.Bulkhead.MaxConcurrent)

	policy := cfg.Worker.RetryPolicy()
	assert.Equal(t, 3, policy.MaxRetries)
	backoff, ok := policy.Strategy.(runner.ExponentialBackoffStrategy)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, backoff.Base)
	assert.Equal(t, 10*time.Second, backoff.Max)

	opts, err := cfg.Protection.ExecutorOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	orchOpts, err := cfg.OrchestratorOptions()
	require.NoError(t, err)
	assert.Len(t, orchOpts, 4)
}

func TestParseRejectsInvalidInput(t *testing.T) {
	cases := map[string]string{
		"unknown key":         "worker:\n  threads: 4\n",
		"inverted budget":     "orchestrator:\n  min_time_budget: 2s\n  max_time_budget: 1s\n",
		"boundary policy":     "orchestrator:\n  boundary_policy: sometimes\n",
		"status url":          "orchestrator:\n  status_url_pattern: /status\n",
		"zero concurrency":    "worker:\n  concurrency: 0\n",
		"jitter":              "worker:\n  jitter: 1.5\n",
		"bad schedule":        "finalizer:\n  schedule: whenever\n",
		"reaper strategy":     "reaper:\n  strategy: ignore\n",
		"sqlite without dsn":  "store:\n  driver: sqlite\n",
		"unknown store":       "store:\n  driver: mongo\n",
		"unknown bus":         "bus:\n  driver: kafka\n",
		"sql idempotency":     "idempotency:\n  driver: postgres\n",
		"rate limiter":        "protection:\n  rate_limiter:\n    permits_per_second: 0\n    max_burst: 1\n",
		"negative hedge":      "protection:\n  hedge:\n    delay: -1s\n    max: 1\n",
		"redis without addr":  "bus:\n  driver: redis\nredis:\n  addr: \"\"\n",
		"not a duration":      "worker:\n  poll_interval: soon\n",
		"breaker no timeout":  "protection:\n  circuit_breaker:\n    failure_threshold: 3\n",
		"bulkhead zero slots": "protection:\n  bulkhead:\n    max_concurrent: 0\n",
		"log format":          "log:\n  format: xml\n",
		"export interval":     "metrics:\n  interval: -5s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument), err.Error())
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))
}

func TestEmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}
