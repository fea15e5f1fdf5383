package memstore

import (
	"container/heap"
	"context"
	"sync"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

const DefaultVisibilityTimeout = 30 * time.Second

// DeadLetter is one envelope parked after a permanent failure.
type DeadLetter struct {
	Envelope orchestrator.Envelope
	Fail     orchestrator.Fail
	At       time.Time
}

type delivery struct {
	env   orchestrator.Envelope
	dueAt time.Time
	seq   uint64
	index int
}

type deliveryQueue []*delivery

func (q deliveryQueue) Len() int { return len(q) }
func (q deliveryQueue) Less(i, j int) bool {
	if !q[i].dueAt.Equal(q[j].dueAt) {
		return q[i].dueAt.Before(q[j].dueAt)
	}
	return q[i].seq < q[j].seq
}
func (q deliveryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *deliveryQueue) Push(x any) {
	d := x.(*delivery)
	d.index = len(*q)
	*q = append(*q, d)
}
func (q *deliveryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

type inFlight struct {
	env      orchestrator.Envelope
	deadline time.Time
}

// Bus is an in-memory queue with delayed delivery, a visibility timeout for unacked
// deliveries and a dead letter list. It holds at most one delivery per OpID: publishing
// an operation that is already queued or in flight replaces that delivery.
type Bus struct {
	mu                sync.Mutex
	queue             deliveryQueue
	queued            map[orchestrator.OpID]*delivery
	inFlight          map[orchestrator.OpID]inFlight
	dlq               []DeadLetter
	seq               uint64
	now               func() time.Time
	visibilityTimeout time.Duration
}

func NewBus(opts ...Option) *Bus {
	o := buildOptions(opts)
	return &Bus{
		queued:            make(map[orchestrator.OpID]*delivery),
		inFlight:          make(map[orchestrator.OpID]inFlight),
		now:               o.now,
		visibilityTimeout: o.visibilityTimeout,
	}
}

func (b *Bus) Publish(_ context.Context, env orchestrator.Envelope, delay time.Duration) error {
	if env.IsZero() {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "envelope is required", nil, nil)
	}
	if delay < 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "delay must be >= 0", nil, nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(env, b.now().Add(delay))
	return nil
}

// Dequeue returns due envelopes and moves them in flight. Expired in-flight deliveries
// are requeued first.
func (b *Bus) Dequeue(_ context.Context, batchSize int) ([]orchestrator.Envelope, error) {
	if batchSize <= 0 {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "batch size must be > 0", nil, nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.requeueExpired(now)

	out := make([]orchestrator.Envelope, 0, batchSize)
	for len(out) < batchSize && b.queue.Len() > 0 {
		next := b.queue[0]
		if next.dueAt.After(now) {
			break
		}
		heap.Pop(&b.queue)
		delete(b.queued, next.env.OpID())
		b.inFlight[next.env.OpID()] = inFlight{env: next.env, deadline: now.Add(b.visibilityTimeout)}
		out = append(out, next.env)
	}
	return out, nil
}

func (b *Bus) Ack(_ context.Context, env orchestrator.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, env.OpID())
	return nil
}

func (b *Bus) Nack(_ context.Context, env orchestrator.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, env.OpID())
	b.push(env, b.now())
	return nil
}

func (b *Bus) PublishToDLQ(_ context.Context, env orchestrator.Envelope, fail orchestrator.Fail) error {
	if err := orchestrator.ValidateOutcome(fail); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = append(b.dlq, DeadLetter{Envelope: env, Fail: fail, At: b.now()})
	return nil
}

// ProcessVisibilityTimeouts requeues in-flight deliveries whose visibility expired and
// returns how many were requeued.
func (b *Bus) ProcessVisibilityTimeouts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requeueExpired(b.now())
}

func (b *Bus) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

func (b *Bus) InFlightSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}

func (b *Bus) DLQSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dlq)
}

// DeadLetters returns a copy of the dead letter list.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.dlq))
	copy(out, b.dlq)
	return out
}

// Clear drops queued, in-flight and dead-lettered envelopes.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.queued = make(map[orchestrator.OpID]*delivery)
	b.inFlight = make(map[orchestrator.OpID]inFlight)
	b.dlq = nil
}

func (b *Bus) push(env orchestrator.Envelope, dueAt time.Time) {
	b.seq++
	id := env.OpID()
	delete(b.inFlight, id)
	if d, ok := b.queued[id]; ok {
		d.env, d.dueAt, d.seq = env, dueAt, b.seq
		heap.Fix(&b.queue, d.index)
		return
	}
	d := &delivery{env: env, dueAt: dueAt, seq: b.seq}
	heap.Push(&b.queue, d)
	b.queued[id] = d
}

func (b *Bus) requeueExpired(now time.Time) int {
	n := 0
	for id, f := range b.inFlight {
		if now.After(f.deadline) {
			delete(b.inFlight, id)
			b.push(f.env, now)
			n++
		}
	}
	return n
}
