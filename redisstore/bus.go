// Package redisstore implements the Bus and IdempotencyManager on Redis.
//
// Keys, all under a configurable prefix:
//
//	<prefix>:queue      sorted set of OpIDs scored by due time (unix ms)
//	<prefix>:inflight   sorted set of dequeued OpIDs scored by visibility deadline
//	<prefix>:envelopes  hash of OpID to encoded envelope
//	<prefix>:dlq        list of dead letters
//	<prefix>:idem:<key> OpID allocated for an idempotency key
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// claimScript requeues expired in-flight deliveries, then moves up to ARGV[3] due
// envelopes in flight and returns their bodies.
// KEYS[1] = queue, KEYS[2] = inflight, KEYS[3] = envelopes
// ARGV[1] = now (ms), ARGV[2] = visibility deadline (ms), ARGV[3] = limit
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local body = redis.call('HGET', KEYS[3], id)
	if body then
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		table.insert(out, body)
	end
end
return out
`)

// ackScript drops the in-flight marker and, unless the envelope was published again in
// the meantime, its body.
// KEYS[1] = queue, KEYS[2] = inflight, KEYS[3] = envelopes
// ARGV[1] = op id
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	redis.call('HDEL', KEYS[3], ARGV[1])
end
return 1
`)

// requeueScript moves expired in-flight deliveries back to the queue.
// KEYS[1] = queue, KEYS[2] = inflight
// ARGV[1] = now (ms)
var requeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
return #expired
`)

// DeadLetter is one envelope parked after a permanent failure.
type DeadLetter struct {
	Envelope orchestrator.Envelope
	Fail     orchestrator.Fail
	At       time.Time
}

type deadLetterRecord struct {
	Envelope json.RawMessage `json:"envelope"`
	Fail     json.RawMessage `json:"fail"`
	At       time.Time       `json:"at"`
}

// Bus is a delayed work queue on a Redis sorted set. Publishing an OpID that is already
// queued moves its due time instead of adding a second delivery.
type Bus struct {
	client            redis.Cmdable
	now               func() time.Time
	visibilityTimeout time.Duration
	logger            orchestrator.Logger

	queueKey    string
	inFlightKey string
	envelopeKey string
	dlqKey      string
}

func NewBus(client redis.Cmdable, opts ...Option) *Bus {
	o := buildOptions(opts)
	return &Bus{
		client:            client,
		now:               o.now,
		visibilityTimeout: o.visibilityTimeout,
		logger:            o.logger,
		queueKey:          o.prefix + ":queue",
		inFlightKey:       o.prefix + ":inflight",
		envelopeKey:       o.prefix + ":envelopes",
		dlqKey:            o.prefix + ":dlq",
	}
}

func (b *Bus) Publish(ctx context.Context, env orchestrator.Envelope, delay time.Duration) error {
	if env.IsZero() {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "envelope is required", nil, nil)
	}
	if delay < 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "delay must be >= 0", nil, nil)
	}
	if b.client == nil {
		return notConfigured()
	}
	return b.enqueue(ctx, "publish", env, b.now().Add(delay))
}

func (b *Bus) Dequeue(ctx context.Context, batchSize int) ([]orchestrator.Envelope, error) {
	if batchSize <= 0 {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "batch size must be > 0", nil, nil)
	}
	if b.client == nil {
		return nil, notConfigured()
	}
	now := b.now()
	bodies, err := claimScript.Run(ctx, b.client,
		[]string{b.queueKey, b.inFlightKey, b.envelopeKey},
		now.UnixMilli(), now.Add(b.visibilityTimeout).UnixMilli(), batchSize,
	).StringSlice()
	if err != nil {
		return nil, busFailure("dequeue", err)
	}
	out := make([]orchestrator.Envelope, 0, len(bodies))
	for _, body := range bodies {
		env, err := orchestrator.UnmarshalEnvelope([]byte(body))
		if err != nil {
			b.logger.Error("dropping undecodable envelope: %v", err)
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (b *Bus) Ack(ctx context.Context, env orchestrator.Envelope) error {
	if b.client == nil {
		return notConfigured()
	}
	err := ackScript.Run(ctx, b.client, []string{b.queueKey, b.inFlightKey, b.envelopeKey},
		env.OpID().String()).Err()
	if err != nil {
		return busFailure("ack", err)
	}
	return nil
}

func (b *Bus) Nack(ctx context.Context, env orchestrator.Envelope) error {
	if b.client == nil {
		return notConfigured()
	}
	return b.enqueue(ctx, "nack", env, b.now())
}

func (b *Bus) PublishToDLQ(ctx context.Context, env orchestrator.Envelope, fail orchestrator.Fail) error {
	failBody, err := orchestrator.MarshalOutcome(fail)
	if err != nil {
		return err
	}
	envBody, err := orchestrator.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	if b.client == nil {
		return notConfigured()
	}
	record, err := json.Marshal(deadLetterRecord{Envelope: envBody, Fail: failBody, At: b.now()})
	if err != nil {
		return busFailure("encode dead letter", err)
	}
	if err := b.client.RPush(ctx, b.dlqKey, record).Err(); err != nil {
		return busFailure("publish to dlq", err)
	}
	return nil
}

// ProcessVisibilityTimeouts requeues in-flight deliveries whose visibility expired and
// returns how many were requeued. Dequeue does the same before claiming.
func (b *Bus) ProcessVisibilityTimeouts(ctx context.Context) (int, error) {
	n, err := requeueScript.Run(ctx, b.client, []string{b.queueKey, b.inFlightKey}, b.now().UnixMilli()).Int()
	if err != nil {
		return 0, busFailure("requeue expired", err)
	}
	return n, nil
}

func (b *Bus) QueueSize(ctx context.Context) (int64, error) {
	return b.count(b.client.ZCard(ctx, b.queueKey))
}

func (b *Bus) InFlightSize(ctx context.Context) (int64, error) {
	return b.count(b.client.ZCard(ctx, b.inFlightKey))
}

func (b *Bus) DLQSize(ctx context.Context) (int64, error) {
	return b.count(b.client.LLen(ctx, b.dlqKey))
}

// DeadLetters returns up to limit dead letters, oldest first.
func (b *Bus) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "limit must be > 0", nil, nil)
	}
	raw, err := b.client.LRange(ctx, b.dlqKey, 0, limit-1).Result()
	if err != nil {
		return nil, busFailure("read dlq", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var rec deadLetterRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, busFailure("decode dead letter", err)
		}
		env, err := orchestrator.UnmarshalEnvelope(rec.Envelope)
		if err != nil {
			return nil, busFailure("decode dead letter", err)
		}
		outcome, err := orchestrator.UnmarshalOutcome(rec.Fail)
		if err != nil {
			return nil, busFailure("decode dead letter", err)
		}
		fail, _ := outcome.(orchestrator.Fail)
		out = append(out, DeadLetter{Envelope: env, Fail: fail, At: rec.At})
	}
	return out, nil
}

func (b *Bus) enqueue(ctx context.Context, op string, env orchestrator.Envelope, dueAt time.Time) error {
	body, err := orchestrator.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	id := env.OpID().String()
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.envelopeKey, id, body)
		pipe.ZRem(ctx, b.inFlightKey, id)
		pipe.ZAdd(ctx, b.queueKey, redis.Z{Score: float64(dueAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return busFailure(op, err)
	}
	return nil
}

func (b *Bus) count(cmd *redis.IntCmd) (int64, error) {
	n, err := cmd.Result()
	if err != nil {
		return 0, busFailure("count", err)
	}
	return n, nil
}
