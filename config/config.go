// Package config loads the YAML configuration of an orchestrator process and turns it into
// component options.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/cron"
	"github.com/ryu-qqq/Orchestrator-sub000/executor"
	"github.com/ryu-qqq/Orchestrator-sub000/metrics"
	"github.com/ryu-qqq/Orchestrator-sub000/protection"
	"github.com/ryu-qqq/Orchestrator-sub000/recovery"
	"github.com/ryu-qqq/Orchestrator-sub000/runner"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Orchestrator OrchestratorConfig     `yaml:"orchestrator"`
	Worker       WorkerConfig           `yaml:"worker"`
	Finalizer    FinalizerConfig        `yaml:"finalizer"`
	Reaper       ReaperConfig           `yaml:"reaper"`
	Protection   ProtectionConfig       `yaml:"protection"`
	Store        StoreConfig            `yaml:"store"`
	Bus          BusConfig              `yaml:"bus"`
	Idempotency  IdempotencyConfig      `yaml:"idempotency"`
	Redis        RedisConfig            `yaml:"redis"`
	Metrics      metrics.ExporterConfig `yaml:"metrics"`
	Log          LogConfig              `yaml:"log"`
}

type OrchestratorConfig struct {
	MinTimeBudget    time.Duration `yaml:"min_time_budget"`
	MaxTimeBudget    time.Duration `yaml:"max_time_budget"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	BoundaryPolicy   string        `yaml:"boundary_policy"`
	StatusURLPattern string        `yaml:"status_url_pattern"`
}

type WorkerConfig struct {
	ID           string        `yaml:"id"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// Jitter is a fraction in [0, 1].
	Jitter     float64 `yaml:"jitter"`
	DeadLetter bool    `yaml:"dead_letter"`
}

type FinalizerConfig struct {
	// Schedule is a cron expression, e.g. "@every 5s".
	Schedule  string        `yaml:"schedule"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ReaperConfig struct {
	Schedule  string        `yaml:"schedule"`
	Threshold time.Duration `yaml:"threshold"`
	BatchSize int           `yaml:"batch_size"`
	Strategy  string        `yaml:"strategy"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ProtectionConfig enables guards on the protected executor. Absent sections stay no-ops.
type ProtectionConfig struct {
	CircuitBreaker *protection.CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimiter    *protection.RateLimiterConfig    `yaml:"rate_limiter"`
	Bulkhead       *protection.BulkheadConfig       `yaml:"bulkhead"`
	Timeout        time.Duration                    `yaml:"timeout"`
	Hedge          *HedgeConfig                     `yaml:"hedge"`
}

type HedgeConfig struct {
	Delay time.Duration `yaml:"delay"`
	Max   int           `yaml:"max"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

type BusConfig struct {
	Driver            string        `yaml:"driver"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

type IdempotencyConfig struct {
	Driver string `yaml:"driver"`
	// TTL expires redis keys. Zero keeps them.
	TTL time.Duration `yaml:"ttl"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a configuration that runs everything in memory.
func Defaults() Config {
	retry := runner.DefaultRetryPolicy()
	backoff, _ := retry.Strategy.(runner.ExponentialBackoffStrategy)
	return Config{
		Orchestrator: OrchestratorConfig{
			MinTimeBudget:    orchestrator.DefaultMinTimeBudget,
			MaxTimeBudget:    orchestrator.DefaultMaxTimeBudget,
			PollInterval:     orchestrator.DefaultPollInterval,
			BoundaryPolicy:   string(orchestrator.BoundaryAsync),
			StatusURLPattern: orchestrator.DefaultStatusURLPattern,
		},
		Worker: WorkerConfig{
			BatchSize:    10,
			Concurrency:  4,
			PollInterval: 100 * time.Millisecond,
			MaxRetries:   retry.MaxRetries,
			BaseDelay:    backoff.Base,
			MaxDelay:     backoff.Max,
			Jitter:       backoff.Jitter,
			DeadLetter:   true,
		},
		Finalizer: FinalizerConfig{
			Schedule:  "@every 5s",
			BatchSize: recovery.DefaultFinalizerBatchSize,
			Timeout:   30 * time.Second,
		},
		Reaper: ReaperConfig{
			Schedule:  "@every 30s",
			Threshold: recovery.DefaultReaperThreshold,
			BatchSize: recovery.DefaultReaperBatchSize,
			Strategy:  string(recovery.StrategyFail),
			Timeout:   30 * time.Second,
		},
		Store:       StoreConfig{Driver: DriverMemory},
		Bus:         BusConfig{Driver: DriverMemory, VisibilityTimeout: 30 * time.Second},
		Idempotency: IdempotencyConfig{Driver: DriverMemory},
		Redis:       RedisConfig{Addr: "localhost:6379", KeyPrefix: "orch"},
		Metrics:     metrics.ExporterConfig{ServiceName: metrics.DefaultServiceName, Interval: metrics.DefaultExportInterval},
		Log:         LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path and overlays it on Defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, orchestrator.NewError(orchestrator.ErrInvalidArgument,
			fmt.Sprintf("read config %s", path), err, map[string]any{"path": path})
	}
	return Parse(data)
}

// Parse decodes YAML over Defaults and validates the result. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, orchestrator.NewError(orchestrator.ErrInvalidArgument, "decode config", err, nil)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	o := c.Orchestrator
	if o.MinTimeBudget <= 0 || o.MaxTimeBudget < o.MinTimeBudget {
		return invalid("orchestrator.time_budget", "time budget bounds must satisfy 0 < min <= max")
	}
	if o.PollInterval <= 0 {
		return invalid("orchestrator.poll_interval", "poll interval must be positive")
	}
	if _, err := orchestrator.ParseBoundaryPolicy(o.BoundaryPolicy); err != nil {
		return err
	}
	if !strings.Contains(o.StatusURLPattern, "{opId}") {
		return invalid("orchestrator.status_url_pattern", "status url pattern must contain {opId}")
	}

	w := c.Worker
	if w.BatchSize <= 0 || w.Concurrency <= 0 || w.PollInterval <= 0 {
		return invalid("worker", "batch size, concurrency and poll interval must be positive")
	}
	if w.MaxRetries < 0 || w.BaseDelay < 0 || w.MaxDelay < w.BaseDelay {
		return invalid("worker.retry", "retry settings must satisfy max_retries >= 0 and 0 <= base_delay <= max_delay")
	}
	if w.Jitter < 0 || w.Jitter > 1 {
		return invalid("worker.jitter", "jitter must be within [0, 1]")
	}

	if err := validateSchedule("finalizer.schedule", c.Finalizer.Schedule); err != nil {
		return err
	}
	if c.Finalizer.BatchSize <= 0 {
		return invalid("finalizer.batch_size", "batch size must be positive")
	}
	if err := validateSchedule("reaper.schedule", c.Reaper.Schedule); err != nil {
		return err
	}
	if c.Reaper.BatchSize <= 0 || c.Reaper.Threshold <= 0 {
		return invalid("reaper", "batch size and threshold must be positive")
	}
	if _, err := recovery.ParseStrategy(c.Reaper.Strategy); err != nil {
		return err
	}

	if err := c.Protection.validate(); err != nil {
		return err
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return invalid("store.dsn", "dsn is required for "+c.Store.Driver)
		}
	default:
		return invalid("store.driver", fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Bus.Driver {
	case DriverMemory, DriverRedis:
	default:
		return invalid("bus.driver", fmt.Sprintf("unknown bus driver %q", c.Bus.Driver))
	}
	switch c.Idempotency.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite, DriverPostgres:
		if c.Idempotency.Driver != c.Store.Driver {
			return invalid("idempotency.driver", "sql idempotency must use the store database")
		}
	default:
		return invalid("idempotency.driver", fmt.Sprintf("unknown idempotency driver %q", c.Idempotency.Driver))
	}
	if c.usesRedis() && strings.TrimSpace(c.Redis.Addr) == "" {
		return invalid("redis.addr", "redis address is required")
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid("log.format", fmt.Sprintf("unknown log format %q", c.Log.Format))
	}
	return nil
}

func (c Config) usesRedis() bool {
	return c.Bus.Driver == DriverRedis || c.Idempotency.Driver == DriverRedis
}

// OrchestratorOptions maps the fast-path settings to orchestrator options.
func (c Config) OrchestratorOptions() ([]orchestrator.Option, error) {
	policy, err := orchestrator.ParseBoundaryPolicy(c.Orchestrator.BoundaryPolicy)
	if err != nil {
		return nil, err
	}
	return []orchestrator.Option{
		orchestrator.WithTimeBudgetBounds(c.Orchestrator.MinTimeBudget, c.Orchestrator.MaxTimeBudget),
		orchestrator.WithPollInterval(c.Orchestrator.PollInterval),
		orchestrator.WithBoundaryPolicy(policy),
		orchestrator.WithStatusURLPattern(c.Orchestrator.StatusURLPattern),
	}, nil
}

// RetryPolicy builds the worker retry policy.
func (w WorkerConfig) RetryPolicy() runner.RetryPolicy {
	return runner.RetryPolicy{
		MaxRetries: w.MaxRetries,
		Strategy: runner.ExponentialBackoffStrategy{
			Base:   w.BaseDelay,
			Factor: 2,
			Max:    w.MaxDelay,
			Jitter: w.Jitter,
		},
	}
}

// ReaperStrategy returns the parsed reaper strategy.
func (r ReaperConfig) ReaperStrategy() recovery.Strategy {
	s, err := recovery.ParseStrategy(r.Strategy)
	if err != nil {
		return recovery.StrategyFail
	}
	return s
}

// ExecutorOptions builds the configured guards.
func (p ProtectionConfig) ExecutorOptions() ([]executor.Option, error) {
	var opts []executor.Option
	if p.CircuitBreaker != nil {
		cb, err := protection.NewCircuitBreaker(*p.CircuitBreaker)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithCircuitBreaker(cb))
	}
	if p.RateLimiter != nil {
		rl, err := protection.NewTokenBucket(*p.RateLimiter)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithRateLimiter(rl))
	}
	if p.Bulkhead != nil {
		bh, err := protection.NewSemaphoreBulkhead(*p.Bulkhead)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithBulkhead(bh))
	}
	if p.Timeout > 0 {
		opts = append(opts, executor.WithTimeoutPolicy(protection.NewFixedTimeout(p.Timeout)))
	}
	if p.Hedge != nil && p.Hedge.Max > 0 {
		opts = append(opts, executor.WithHedgePolicy(protection.NewFixedHedge(p.Hedge.Delay, p.Hedge.Max)))
	}
	return opts, nil
}

func (p ProtectionConfig) validate() error {
	if p.CircuitBreaker != nil {
		if err := p.CircuitBreaker.Validate(); err != nil {
			return err
		}
	}
	if p.RateLimiter != nil {
		if err := p.RateLimiter.Validate(); err != nil {
			return err
		}
	}
	if p.Bulkhead != nil {
		if err := p.Bulkhead.Validate(); err != nil {
			return err
		}
	}
	if p.Timeout < 0 {
		return invalid("protection.timeout", "timeout cannot be negative")
	}
	if p.Hedge != nil && (p.Hedge.Max < 0 || p.Hedge.Delay < 0) {
		return invalid("protection.hedge", "hedge delay and max cannot be negative")
	}
	return nil
}

func validateSchedule(field, expr string) error {
	if strings.TrimSpace(expr) == "" {
		return invalid(field, "schedule is required")
	}
	if err := cron.ValidateExpression(expr); err != nil {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, fmt.Sprintf("%s: %v", field, err), err,
			map[string]any{"field": field})
	}
	return nil
}

func invalid(field, message string) error {
	return orchestrator.NewError(orchestrator.ErrInvalidArgument, message, nil, map[string]any{"field": field})
}
