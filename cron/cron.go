// Package cron schedules the recovery scans on cron expressions. Every run goes through
// a runner.Handler so jobs share timeout, retry and error reporting behaviour.
package cron

import (
	"context"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/runner"
)

// JobFunc is the unit of scheduled work.
type JobFunc func(ctx context.Context) error

// JobConfig describes one scheduled job.
type JobConfig struct {
	Name       string
	Expression string
	// Timeout bounds each run. Zero leaves runs unbounded.
	Timeout    time.Duration
	MaxRetries int
}

// Scheduler wraps robfig/cron with cancelable handles.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger   orchestrator.Logger
	parser   Parser
	logLevel LogLevel
	ctx      context.Context
	cancel   context.CancelFunc

	nextHandleID int64
	handles      map[int64]*jobHandle
}

// NewScheduler creates a scheduler. Jobs do not fire until Start.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		handles:  make(map[int64]*jobHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = orchestrator.NormalizeLogger(s.logger)
	if s.errorHandler == nil {
		logger := s.logger
		s.errorHandler = func(err error) {
			logger.Error("scheduled job failed: %v", err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleJob runs fn on cfg.Expression until the handle is canceled or the scheduler
// stops. A run that is still going when the next tick fires causes that tick to be skipped.
func (s *Scheduler) ScheduleJob(cfg JobConfig, fn JobFunc) (Handle, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "cron expression cannot be empty", nil, map[string]any{"job": cfg.Name})
	}
	run, err := s.buildRunnable(cfg, fn)
	if err != nil {
		return nil, err
	}

	handle := s.newHandle(cfg.Name)
	job := rcron.FuncJob(func() {
		if isTerminalStatus(handle.Status()) {
			return
		}
		handle.setStatus(ScheduleStatusRunning, nil)
		err := run()
		handle.recordRun(err)
		if err != nil {
			handle.setStatus(ScheduleStatusFailed, err)
			return
		}
		if !isTerminalStatus(handle.Status()) {
			handle.setStatus(ScheduleStatusIdle, nil)
		}
	})

	entryID, err := s.cron.AddJob(cfg.Expression, job)
	if err != nil {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "invalid cron expression", err, map[string]any{
			"job":        cfg.Name,
			"expression": cfg.Expression,
		})
	}
	handle.entryID = int(entryID)
	s.storeHandle(handle)
	return handle, nil
}

// ValidateExpression checks expr with the default parser, which accepts five-field specs
// and descriptors such as "@every 5s".
func ValidateExpression(expr string) error {
	if _, err := rcron.ParseStandard(expr); err != nil {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "invalid cron expression", err,
			map[string]any{"expression": expr})
	}
	return nil
}

// ScheduleAfter runs fn once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, fn JobFunc) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	run, err := s.buildRunnable(cfg, fn)
	if err != nil {
		return nil, err
	}

	handle := s.newHandle(cfg.Name)
	s.storeHandle(handle)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-handle.Done():
			return
		}
		if isTerminalStatus(handle.Status()) {
			return
		}
		handle.setStatus(ScheduleStatusRunning, nil)
		err := run()
		handle.recordRun(err)
		if err != nil {
			handle.setTerminal(ScheduleStatusFailed, err)
		} else {
			handle.setTerminal(ScheduleStatusCompleted, nil)
		}
		s.removeStoredHandle(handle.id)
	}()

	return handle, nil
}

// Handles returns the active handles ordered by id.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for id := int64(1); id <= s.nextHandleID; id++ {
		if h, ok := s.handles[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops the cron loop, cancels in-flight runs and marks every handle stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.cancel()
	stopped := s.cron.Stop()

	var handles []*jobHandle
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		if !isTerminalStatus(handle.Status()) {
			handle.setTerminal(ScheduleStatusStopped, nil)
		}
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle != nil && handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle(name string) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &jobHandle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

func (s *Scheduler) buildRunnable(cfg JobConfig, fn JobFunc) (func() error, error) {
	if fn == nil {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "job function is required", nil, map[string]any{"job": cfg.Name})
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "job"
	}
	opts := []runner.Option{
		runner.WithName(name),
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithErrorHandler(s.errorHandler),
		runner.WithLogger(s.logger),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	h := runner.NewHandler(opts...)
	return func() error {
		return h.Run(s.ctx, fn)
	}, nil
}

// build converts scheduler options to robfig/cron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0, 4)
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	cronLogger := &loggerAdapter{logger: s.logger, level: s.logLevel}
	opts = append(opts,
		rcron.WithLogger(cronLogger),
		rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
			rcron.SkipIfStillRunning(cronLogger),
		),
	)
	return opts
}
