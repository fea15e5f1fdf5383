package cron

import (
	"sync"
	"time"
)

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	// ScheduleStatusFailed is terminal only for one-shot jobs. A recurring job keeps
	// firing after a failed run.
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle controls one scheduled job.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
	Name() string
	// Runs reports how many runs finished and how many of those failed.
	Runs() (total, failed int)
	LastRunAt() time.Time
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	name      string
	done      chan struct{}

	mu        sync.RWMutex
	status    ScheduleStatus
	err       error
	runs      int
	failures  int
	lastRunAt time.Time
	once      sync.Once
	closeOnce sync.Once
}

func (h *jobHandle) Cancel() {
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Done() <-chan struct{} { return h.done }

func (h *jobHandle) ID() int64 { return h.id }

func (h *jobHandle) Name() string { return h.name }

func (h *jobHandle) Runs() (int, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs, h.failures
}

func (h *jobHandle) LastRunAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRunAt
}

func (h *jobHandle) recordRun(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	if err != nil {
		h.failures++
	}
	h.lastRunAt = time.Now()
}

func (h *jobHandle) setStatus(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == ScheduleStatusCanceled || h.status == ScheduleStatusStopped {
		return
	}
	h.status = status
	h.err = err
}

func (h *jobHandle) setTerminal(status ScheduleStatus, err error) {
	h.mu.Lock()
	if h.status != ScheduleStatusCanceled && h.status != ScheduleStatusStopped {
		h.status = status
		h.err = err
	}
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.done) })
}
