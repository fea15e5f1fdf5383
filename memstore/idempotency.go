package memstore

import (
	"context"
	"sync"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// IdempotencyManager maps keys to OpIDs with LoadOrStore as the insert-if-absent primitive.
type IdempotencyManager struct {
	ids  sync.Map
	mint func() orchestrator.OpID
}

func NewIdempotencyManager() *IdempotencyManager {
	return &IdempotencyManager{mint: orchestrator.NewOpID}
}

func (m *IdempotencyManager) GetOrCreate(_ context.Context, key orchestrator.IdempotencyKey) (orchestrator.OpID, error) {
	if err := key.Validate(); err != nil {
		return orchestrator.OpID{}, err
	}
	if existing, ok := m.ids.Load(key); ok {
		return existing.(orchestrator.OpID), nil
	}
	actual, _ := m.ids.LoadOrStore(key, m.mint())
	return actual.(orchestrator.OpID), nil
}

func (m *IdempotencyManager) Find(_ context.Context, key orchestrator.IdempotencyKey) (orchestrator.OpID, bool, error) {
	if err := key.Validate(); err != nil {
		return orchestrator.OpID{}, false, err
	}
	existing, ok := m.ids.Load(key)
	if !ok {
		return orchestrator.OpID{}, false, nil
	}
	return existing.(orchestrator.OpID), true, nil
}
