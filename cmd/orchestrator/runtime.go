package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/config"
	"github.com/ryu-qqq/Orchestrator-sub000/cron"
	"github.com/ryu-qqq/Orchestrator-sub000/executor"
	"github.com/ryu-qqq/Orchestrator-sub000/memstore"
	"github.com/ryu-qqq/Orchestrator-sub000/metrics"
	"github.com/ryu-qqq/Orchestrator-sub000/recovery"
	"github.com/ryu-qqq/Orchestrator-sub000/redisstore"
	"github.com/ryu-qqq/Orchestrator-sub000/sqlstore"
	"github.com/ryu-qqq/Orchestrator-sub000/worker"
)

// sqlDrivers maps store drivers to database/sql driver names.
var sqlDrivers = map[string]string{
	config.DriverSQLite:   "sqlite",
	config.DriverPostgres: "postgres",
}

// runtime owns the adapters selected by the configuration.
type runtime struct {
	cfg    config.Config
	logger orchestrator.Logger

	store orchestrator.Store
	bus   orchestrator.Bus
	idem  orchestrator.IdempotencyManager
	// sweep requeues deliveries whose visibility timeout expired.
	sweep func(ctx context.Context) (int, error)

	provider *sdkmetric.MeterProvider
	recorder *metrics.Recorder

	db      *sql.DB
	redis   *redis.Client
	closers []func(context.Context) error
}

func openRuntime(ctx context.Context, cfg config.Config, logger orchestrator.Logger, readers ...sdkmetric.Reader) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: orchestrator.NormalizeLogger(logger)}
	if err := rt.open(ctx, readers); err != nil {
		if closeErr := rt.Close(context.Background()); closeErr != nil {
			rt.logger.Warn("runtime cleanup failed: %v", closeErr)
		}
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open(ctx context.Context, readers []sdkmetric.Reader) error {
	if err := rt.openStore(ctx); err != nil {
		return err
	}
	if err := rt.openBus(ctx); err != nil {
		return err
	}
	if err := rt.openIdempotency(ctx); err != nil {
		return err
	}
	provider, err := metrics.NewProvider(ctx, rt.cfg.Metrics, readers...)
	if err != nil {
		return err
	}
	rt.provider = provider
	rt.closers = append(rt.closers, provider.Shutdown)
	if rt.recorder, err = metrics.NewFromProvider(provider); err != nil {
		return err
	}
	return nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	switch rt.cfg.Store.Driver {
	case config.DriverMemory:
		rt.store = memstore.NewStore()
		return nil
	case config.DriverSQLite, config.DriverPostgres:
		db, dialect, err := rt.sqlDB(ctx)
		if err != nil {
			return err
		}
		store := sqlstore.NewStore(db, rt.sqlOptions(dialect)...)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		rt.store = store
		return nil
	}
	return fmt.Errorf("unsupported store driver %q", rt.cfg.Store.Driver)
}

func (rt *runtime) openBus(ctx context.Context) error {
	switch rt.cfg.Bus.Driver {
	case config.DriverMemory:
		bus := memstore.NewBus(memstore.WithVisibilityTimeout(rt.cfg.Bus.VisibilityTimeout))
		rt.bus = bus
		rt.sweep = func(context.Context) (int, error) { return bus.ProcessVisibilityTimeouts(), nil }
		return nil
	case config.DriverRedis:
		client, err := rt.redisClient(ctx)
		if err != nil {
			return err
		}
		bus := redisstore.NewBus(client,
			redisstore.WithKeyPrefix(rt.cfg.Redis.KeyPrefix),
			redisstore.WithVisibilityTimeout(rt.cfg.Bus.VisibilityTimeout),
			redisstore.WithLogger(rt.logger),
		)
		rt.bus = bus
		rt.sweep = bus.ProcessVisibilityTimeouts
		return nil
	}
	return fmt.Errorf("unsupported bus driver %q", rt.cfg.Bus.Driver)
}

func (rt *runtime) openIdempotency(ctx context.Context) error {
	switch rt.cfg.Idempotency.Driver {
	case config.DriverMemory:
		rt.idem = memstore.NewIdempotencyManager()
		return nil
	case config.DriverRedis:
		client, err := rt.redisClient(ctx)
		if err != nil {
			return err
		}
		rt.idem = redisstore.NewIdempotencyManager(client,
			redisstore.WithKeyPrefix(rt.cfg.Redis.KeyPrefix),
			redisstore.WithKeyTTL(rt.cfg.Idempotency.TTL),
		)
		return nil
	case config.DriverSQLite, config.DriverPostgres:
		db, dialect, err := rt.sqlDB(ctx)
		if err != nil {
			return err
		}
		manager := sqlstore.NewIdempotencyManager(db, rt.sqlOptions(dialect)...)
		if err := manager.EnsureSchema(ctx); err != nil {
			return err
		}
		rt.idem = manager
		return nil
	}
	return fmt.Errorf("unsupported idempotency driver %q", rt.cfg.Idempotency.Driver)
}

func (rt *runtime) sqlOptions(dialect sqlstore.Dialect) []sqlstore.Option {
	return []sqlstore.Option{
		sqlstore.WithDialect(dialect),
		sqlstore.WithTablePrefix(rt.cfg.Store.TablePrefix),
		sqlstore.WithLogger(rt.logger),
	}
}

func (rt *runtime) sqlDB(ctx context.Context) (*sql.DB, sqlstore.Dialect, error) {
	dialect, err := sqlstore.ParseDialect(rt.cfg.Store.Driver)
	if err != nil {
		return nil, "", err
	}
	if rt.db != nil {
		return rt.db, dialect, nil
	}
	db, err := sql.Open(sqlDrivers[rt.cfg.Store.Driver], rt.cfg.Store.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", rt.cfg.Store.Driver, err)
	}
	if dialect == sqlstore.DialectSQLite {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping %s: %w", rt.cfg.Store.Driver, err)
	}
	rt.db = db
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
	return db, dialect, nil
}

func (rt *runtime) redisClient(ctx context.Context) (*redis.Client, error) {
	if rt.redis != nil {
		return rt.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", rt.cfg.Redis.Addr, err)
	}
	rt.redis = client
	rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *runtime) newOrchestrator() (*orchestrator.Orchestrator, error) {
	opts, err := rt.cfg.OrchestratorOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, orchestrator.WithLogger(rt.logger))
	return orchestrator.New(rt.idem, rt.store, rt.bus, opts...), nil
}

func (rt *runtime) newExecutor(h demoHandler) (*executor.Protected, error) {
	opts, err := rt.cfg.Protection.ExecutorOptions()
	if err != nil {
		return nil, err
	}
	routes, err := h.router()
	if err != nil {
		return nil, err
	}
	opts = append(opts, executor.WithLogger(rt.logger))
	return executor.New(routes.Execute, opts...), nil
}

func (rt *runtime) newWorker(exec orchestrator.Executor) *worker.Worker {
	w := rt.cfg.Worker
	opts := []worker.Option{
		worker.WithBatchSize(w.BatchSize),
		worker.WithConcurrency(w.Concurrency),
		worker.WithPollInterval(w.PollInterval),
		worker.WithRetryPolicy(w.RetryPolicy()),
		worker.WithDeadLetter(w.DeadLetter),
		worker.WithLogger(rt.logger),
		worker.WithMetrics(rt.recorder),
	}
	if w.ID != "" {
		opts = append(opts, worker.WithWorkerID(w.ID))
	}
	return worker.New(rt.store, rt.bus, exec, opts...)
}

// schedule registers the finalizer, the reaper and the visibility sweep on s.
func (rt *runtime) schedule(s *cron.Scheduler) error {
	finalizer := recovery.NewFinalizer(rt.store,
		recovery.WithBatchSize(rt.cfg.Finalizer.BatchSize),
		recovery.WithLogger(rt.logger),
		recovery.WithMetrics(rt.recorder),
	)
	reaper := recovery.NewReaper(rt.store, rt.bus,
		recovery.WithBatchSize(rt.cfg.Reaper.BatchSize),
		recovery.WithThreshold(rt.cfg.Reaper.Threshold),
		recovery.WithStrategy(rt.cfg.Reaper.ReaperStrategy()),
		recovery.WithLogger(rt.logger),
		recovery.WithMetrics(rt.recorder),
	)

	jobs := []struct {
		cfg cron.JobConfig
		fn  cron.JobFunc
	}{
		{
			cfg: cron.JobConfig{Name: "finalizer", Expression: rt.cfg.Finalizer.Schedule, Timeout: rt.cfg.Finalizer.Timeout},
			fn: func(ctx context.Context) error {
				_, err := finalizer.RunOnce(ctx)
				return err
			},
		},
		{
			cfg: cron.JobConfig{Name: "reaper", Expression: rt.cfg.Reaper.Schedule, Timeout: rt.cfg.Reaper.Timeout},
			fn: func(ctx context.Context) error {
				_, err := reaper.RunOnce(ctx)
				return err
			},
		},
		{
			cfg: cron.JobConfig{Name: "visibility", Expression: sweepExpression(rt.cfg.Bus.VisibilityTimeout)},
			fn: func(ctx context.Context) error {
				n, err := rt.sweep(ctx)
				if n > 0 {
					rt.logger.Info("requeued %d expired deliveries", n)
				}
				return err
			},
		},
	}
	for _, job := range jobs {
		if _, err := s.ScheduleJob(job.cfg, job.fn); err != nil {
			return err
		}
	}
	return nil
}

// sweepExpression checks for expired deliveries at half the visibility timeout.
func sweepExpression(timeout time.Duration) string {
	every := timeout / 2
	if every < time.Second {
		every = time.Second
	}
	return "@every " + every.String()
}

// serve runs the worker and the scheduled jobs until ctx is done.
func (rt *runtime) serve(ctx context.Context, exec orchestrator.Executor) error {
	scheduler := cron.NewScheduler(cron.WithLogger(rt.logger))
	if err := rt.schedule(scheduler); err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	w := rt.newWorker(exec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(w.Stop(stopCtx), scheduler.Stop(stopCtx))
	})
	return g.Wait()
}
