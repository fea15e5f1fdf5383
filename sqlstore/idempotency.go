package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// IdempotencyManager maps idempotency keys to OpIDs with an insert-if-absent on the
// composite primary key of the four key columns. The row that wins the insert decides the OpID for every caller.
type IdempotencyManager struct {
	db      *sql.DB
	dialect Dialect
	tables  tables
	now     func() time.Time
	mint    func() orchestrator.OpID
	schema  schemaGuard
}

func NewIdempotencyManager(db *sql.DB, opts ...Option) *IdempotencyManager {
	o := buildOptions(opts)
	return &IdempotencyManager{
		db:      db,
		dialect: o.dialect,
		tables:  tableNames(o.prefix),
		now:     o.now,
		mint:    o.mint,
	}
}

// EnsureSchema creates the idempotency table if it does not exist.
func (m *IdempotencyManager) EnsureSchema(ctx context.Context) error {
	if m == nil || m.db == nil {
		return orchestrator.NewError(orchestrator.ErrStoreFailure, "sql idempotency manager not configured", nil, nil)
	}
	return m.schema.ensure(ctx, m.db, m.dialect.idempotencySchema(m.tables))
}

func (m *IdempotencyManager) GetOrCreate(ctx context.Context, key orchestrator.IdempotencyKey) (orchestrator.OpID, error) {
	if err := key.Validate(); err != nil {
		return orchestrator.OpID{}, err
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return orchestrator.OpID{}, err
	}
	if id, found, err := m.lookup(ctx, key); err != nil || found {
		return id, err
	}
	_, err := m.db.ExecContext(ctx, m.query(`INSERT INTO `+m.tables.idempotency+`
		(domain, event_type, biz_key, idem_key, op_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (domain, event_type, biz_key, idem_key) DO NOTHING`),
		key.Domain.String(), key.EventType.String(), key.BizKey.String(), key.IdemKey.String(),
		m.mint().String(), m.now().UnixNano())
	if err != nil {
		return orchestrator.OpID{}, storeFailure("allocate op id", err)
	}
	id, found, err := m.lookup(ctx, key)
	if err != nil {
		return orchestrator.OpID{}, err
	}
	if !found {
		return orchestrator.OpID{}, orchestrator.NewError(orchestrator.ErrStoreFailure,
			"sqlstore: idempotency row vanished after insert", nil, map[string]any{"idem_key": key.String()})
	}
	return id, nil
}

func (m *IdempotencyManager) Find(ctx context.Context, key orchestrator.IdempotencyKey) (orchestrator.OpID, bool, error) {
	if err := key.Validate(); err != nil {
		return orchestrator.OpID{}, false, err
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return orchestrator.OpID{}, false, err
	}
	return m.lookup(ctx, key)
}

func (m *IdempotencyManager) lookup(ctx context.Context, key orchestrator.IdempotencyKey) (orchestrator.OpID, bool, error) {
	var raw string
	err := m.db.QueryRowContext(ctx, m.query(`SELECT op_id FROM `+m.tables.idempotency+`
		WHERE domain = ? AND event_type = ? AND biz_key = ? AND idem_key = ?`),
		key.Domain.String(), key.EventType.String(), key.BizKey.String(), key.IdemKey.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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

func (m *IdempotencyManager) query(q string) string {
	return m.dialect.rebind(q)
}
