package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrGateClosed is returned by Wait after Close.
var ErrGateClosed = errors.New("execution gate closed")

// ExecutionControl lets long-running loops cooperate with pause and shutdown requests.
type ExecutionControl interface {
	// Wait returns immediately while running and blocks while paused.
	Wait(ctx context.Context) error
	Paused() bool
}

type openGate struct{}

func (openGate) Wait(ctx context.Context) error { return ctx.Err() }
func (openGate) Paused() bool                   { return false }

// OpenGate never pauses.
func OpenGate() ExecutionControl { return openGate{} }

// PauseGate is a manually controlled ExecutionControl.
type PauseGate struct {
	mu      sync.Mutex
	paused  bool
	resume  chan struct{}
	closed  chan struct{}
	closeMu sync.Once
}

func NewPauseGate() *PauseGate {
	return &PauseGate{
		resume: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (g *PauseGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		paused, resume := g.paused, g.resume
		g.mu.Unlock()

		select {
		case <-g.closed:
			return ErrGateClosed
		default:
		}
		if !paused {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.closed:
			return ErrGateClosed
		case <-resume:
		}
	}
}

func (g *PauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Pause makes subsequent Wait calls block until Resume.
func (g *PauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resume = make(chan struct{})
}

// Resume releases every waiter.
func (g *PauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resume)
}

// Close releases every waiter with ErrGateClosed. It is safe to call more than once.
func (g *PauseGate) Close() {
	g.closeMu.Do(func() { close(g.closed) })
}
