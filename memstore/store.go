package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

type operationRecord struct {
	env      orchestrator.Envelope
	state    orchestrator.OperationState
	attempts int
}

type writeAheadEntry struct {
	outcome    orchestrator.Outcome
	state      orchestrator.WriteAheadState
	recordedAt time.Time
	seq        uint64
}

// Store keeps operations and the write-ahead log in memory. All methods are safe for
// concurrent use; each call is atomic with respect to the others.
type Store struct {
	mu  sync.RWMutex
	ops map[orchestrator.OpID]*operationRecord
	wal map[orchestrator.OpID]*writeAheadEntry
	seq uint64
	now func() time.Time
}

// Option customizes in-memory adapters.
type Option func(*options)

type options struct {
	now               func() time.Time
	visibilityTimeout time.Duration
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithVisibilityTimeout sets how long a dequeued envelope stays invisible before it is
// redelivered without an ack. Only the Bus uses it.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibilityTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:               func() time.Time { return time.Now().UTC() },
		visibilityTimeout: DefaultVisibilityTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func NewStore(opts ...Option) *Store {
	o := buildOptions(opts)
	return &Store{
		ops: make(map[orchestrator.OpID]*operationRecord),
		wal: make(map[orchestrator.OpID]*writeAheadEntry),
		now: o.now,
	}
}

func (s *Store) Accept(_ context.Context, env orchestrator.Envelope) (bool, error) {
	if env.IsZero() {
		return false, orchestrator.NewError(orchestrator.ErrInvalidArgument, "envelope is required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[env.OpID()]; ok {
		return false, nil
	}
	s.ops[env.OpID()] = &operationRecord{
		env:   env,
		state: orchestrator.StatePending,
	}
	return true, nil
}

func (s *Store) MarkInProgress(_ context.Context, opID orchestrator.OpID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(opID)
	if err != nil {
		return 0, err
	}
	switch {
	case rec.state.IsTerminal():
		return rec.attempts, alreadyFinalized(opID, rec.state)
	case rec.state == orchestrator.StatePending:
		next, err := orchestrator.Transition(rec.state, orchestrator.StateInProgress)
		if err != nil {
			return 0, err
		}
		rec.state = next
	}
	rec.attempts++
	return rec.attempts, nil
}

func (s *Store) WriteAhead(_ context.Context, opID orchestrator.OpID, outcome orchestrator.Outcome) error {
	if err := orchestrator.ValidateOutcome(outcome); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(opID)
	if err != nil {
		return err
	}
	if rec.state.IsTerminal() {
		return alreadyFinalized(opID, rec.state)
	}
	s.seq++
	s.wal[opID] = &writeAheadEntry{
		outcome:    outcome,
		state:      orchestrator.WriteAheadPending,
		recordedAt: s.now(),
		seq:        s.seq,
	}
	return nil
}

func (s *Store) Finalize(_ context.Context, opID orchestrator.OpID, state orchestrator.OperationState) error {
	if !state.IsTerminal() {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument,
			fmt.Sprintf("finalize requires a terminal state, got %s", state), nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(opID)
	if err != nil {
		return err
	}
	entry, ok := s.wal[opID]
	if rec.state.IsTerminal() {
		if ok {
			entry.state = orchestrator.WriteAheadCompleted
		}
		if rec.state == state {
			return nil
		}
		return alreadyFinalized(opID, rec.state)
	}
	if !ok {
		return orchestrator.NewError(orchestrator.ErrWriteAheadMissing, "", nil, map[string]any{"op_id": opID.String()})
	}
	next, err := orchestrator.Transition(rec.state, state)
	if err != nil {
		return err
	}
	rec.state = next
	entry.state = orchestrator.WriteAheadCompleted
	return nil
}

func (s *Store) ScanWA(_ context.Context, state orchestrator.WriteAheadState, batchSize int) ([]orchestrator.OpID, error) {
	if batchSize <= 0 {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "batch size must be > 0", nil, nil)
	}
	s.mu.RLock()
	type item struct {
		id    orchestrator.OpID
		entry writeAheadEntry
	}
	items := make([]item, 0)
	for id, entry := range s.wal {
		if entry.state == state {
			items = append(items, item{id: id, entry: *entry})
		}
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].entry.recordedAt.Equal(items[j].entry.recordedAt) {
			return items[i].entry.recordedAt.Before(items[j].entry.recordedAt)
		}
		return items[i].entry.seq < items[j].entry.seq
	})
	if len(items) > batchSize {
		items = items[:batchSize]
	}
	out := make([]orchestrator.OpID, 0, len(items))
	for _, it := range items {
		out = append(out, it.id)
	}
	return out, nil
}

func (s *Store) GetWriteAheadOutcome(_ context.Context, opID orchestrator.OpID) (orchestrator.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.wal[opID]
	if !ok {
		return nil, notFound(opID, "write-ahead entry not found")
	}
	return entry.outcome, nil
}

func (s *Store) ScanInProgress(_ context.Context, olderThan time.Duration, batchSize int) ([]orchestrator.OpID, error) {
	return s.scanState(orchestrator.StateInProgress, olderThan, batchSize)
}

func (s *Store) ScanPending(_ context.Context, olderThan time.Duration, batchSize int) ([]orchestrator.OpID, error) {
	return s.scanState(orchestrator.StatePending, olderThan, batchSize)
}

func (s *Store) scanState(state orchestrator.OperationState, olderThan time.Duration, batchSize int) ([]orchestrator.OpID, error) {
	if batchSize <= 0 {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "batch size must be > 0", nil, nil)
	}
	if olderThan < 0 {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "threshold must be >= 0", nil, nil)
	}
	now := s.now()
	s.mu.RLock()
	type item struct {
		id         orchestrator.OpID
		acceptedAt time.Time
	}
	items := make([]item, 0)
	for id, rec := range s.ops {
		acceptedAt := rec.env.AcceptedAt()
		if rec.state == state && now.Sub(acceptedAt) > olderThan {
			items = append(items, item{id: id, acceptedAt: acceptedAt})
		}
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].acceptedAt.Equal(items[j].acceptedAt) {
			return items[i].acceptedAt.Before(items[j].acceptedAt)
		}
		return items[i].id.String() < items[j].id.String()
	})
	if len(items) > batchSize {
		items = items[:batchSize]
	}
	out := make([]orchestrator.OpID, 0, len(items))
	for _, it := range items {
		out = append(out, it.id)
	}
	return out, nil
}

func (s *Store) GetEnvelope(_ context.Context, opID orchestrator.OpID) (orchestrator.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(opID)
	if err != nil {
		return orchestrator.Envelope{}, err
	}
	return rec.env, nil
}

func (s *Store) GetState(_ context.Context, opID orchestrator.OpID) (orchestrator.OperationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(opID)
	if err != nil {
		return "", err
	}
	return rec.state, nil
}

// Attempts returns how many times the operation was marked in progress.
func (s *Store) Attempts(opID orchestrator.OpID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.ops[opID]; ok {
		return rec.attempts
	}
	return 0
}

// Len returns the number of stored operations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops)
}

// Clear drops all operations and write-ahead entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = make(map[orchestrator.OpID]*operationRecord)
	s.wal = make(map[orchestrator.OpID]*writeAheadEntry)
}

func (s *Store) record(opID orchestrator.OpID) (*operationRecord, error) {
	rec, ok := s.ops[opID]
	if !ok {
		return nil, notFound(opID, "")
	}
	return rec, nil
}

func notFound(opID orchestrator.OpID, message string) error {
	return orchestrator.NewError(orchestrator.ErrNotFound, message, nil, map[string]any{"op_id": opID.String()})
}

func alreadyFinalized(opID orchestrator.OpID, state orchestrator.OperationState) error {
	return orchestrator.NewError(orchestrator.ErrAlreadyFinalized, "", nil, map[string]any{
		"op_id": opID.String(),
		"state": state.String(),
	})
}
