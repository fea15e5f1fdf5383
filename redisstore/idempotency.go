package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// IdempotencyManager stores key to OpID mappings as plain string keys. SETNX decides the
// winner when callers race on a new key.
type IdempotencyManager struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	mint   func() orchestrator.OpID
}

func NewIdempotencyManager(client redis.Cmdable, opts ...Option) *IdempotencyManager {
	o := buildOptions(opts)
	return &IdempotencyManager{
		client: client,
		prefix: o.prefix,
		ttl:    o.keyTTL,
		mint:   o.mint,
	}
}

func (m *IdempotencyManager) GetOrCreate(ctx context.Context, key orchestrator.IdempotencyKey) (orchestrator.OpID, error) {
	if err := key.Validate(); err != nil {
		return orchestrator.OpID{}, err
	}
	if m == nil || m.client == nil {
		return orchestrator.OpID{}, notConfigured()
	}
	candidate := m.mint()
	won, err := m.client.SetNX(ctx, m.key(key), candidate.String(), m.ttl).Result()
	if err != nil {
		return orchestrator.OpID{}, storeFailure("allocate op id", err)
	}
	if won {
		return candidate, nil
	}
	id, found, err := m.Find(ctx, key)
	if err != nil {
		return orchestrator.OpID{}, err
	}
	if !found {
		// the winner's key expired between SETNX and GET
		return m.GetOrCreate(ctx, key)
	}
	return id, nil
}

func (m *IdempotencyManager) Find(ctx context.Context, key orchestrator.IdempotencyKey) (orchestrator.OpID, bool, error) {
	if err := key.Validate(); err != nil {
		return orchestrator.OpID{}, false, err
	}
	if m == nil || m.client == nil {
		return orchestrator.OpID{}, false, notConfigured()
	}
	raw, err := m.client.Get(ctx, m.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return orchestrator.OpID{}, false, nil
	}
	if err != nil {
		return orchestrator.OpID{}, false, storeFailure("find op id", err)
	}
	id, err := orchestrator.ParseOpID(raw)
	if err != nil {
		return orchestrator.OpID{}, false, storeFailure("decode op id", err)
	}
	return id, true, nil
}

func (m *IdempotencyManager) key(k orchestrator.IdempotencyKey) string {
	return m.prefix + ":idem:" + k.Canonical()
}

func notConfigured() error {
	return orchestrator.NewError(orchestrator.ErrStoreFailure, "redis client not configured", nil, nil)
}

func storeFailure(op string, err error) error {
	return orchestrator.NewError(orchestrator.ErrStoreFailure, "redisstore: "+op, err, nil)
}

func busFailure(op string, err error) error {
	return orchestrator.NewError(orchestrator.ErrBusFailure, "redisstore: "+op, err, nil)
}
