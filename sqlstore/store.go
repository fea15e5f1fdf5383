// Package sqlstore implements the durable Store and IdempotencyManager on database/sql.
// SQLite (modernc.org/sqlite) and PostgreSQL (lib/pq) are supported; tables are created
// on first use.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

var errConflict = errors.New("concurrent update")

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// schemaGuard runs DDL once per process. A failed attempt is retried on the next call.
type schemaGuard struct {
	mu    sync.Mutex
	ready bool
}

func (g *schemaGuard) ensure(ctx context.Context, exec execer, stmts []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return storeFailure("ensure schema", err)
		}
	}
	g.ready = true
	return nil
}

// Store persists operations and the write-ahead log in two tables. State changes use
// conditional updates keyed on the previous state, so concurrent writers never apply a
// transition twice.
type Store struct {
	db      *sql.DB
	dialect Dialect
	tables  tables
	now     func() time.Time
	logger  orchestrator.Logger
	schema  schemaGuard
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	o := buildOptions(opts)
	return &Store{
		db:      db,
		dialect: o.dialect,
		tables:  tableNames(o.prefix),
		now:     o.now,
		logger:  o.logger,
	}
}

// EnsureSchema creates the operation and write-ahead tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return orchestrator.NewError(orchestrator.ErrStoreFailure, "sql store not configured", nil, nil)
	}
	return s.schema.ensure(ctx, s.db, s.dialect.storeSchema(s.tables))
}

func (s *Store) Accept(ctx context.Context, env orchestrator.Envelope) (bool, error) {
	if env.IsZero() {
		return false, orchestrator.NewError(orchestrator.ErrInvalidArgument, "envelope is required", nil, nil)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return false, err
	}
	cmd := env.Command()
	var payload any
	if p := cmd.Payload(); !p.IsAbsent() {
		payload = []byte(p)
	}
	res, err := s.db.ExecContext(ctx, s.query(`INSERT INTO %s
		(op_id, domain, event_type, biz_key, idem_key, payload, accepted_at, state, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (op_id) DO NOTHING`, s.tables.operations),
		env.OpID().String(),
		cmd.Domain().String(),
		cmd.EventType().String(),
		cmd.BizKey().String(),
		cmd.IdemKey().String(),
		payload,
		env.AcceptedAt().UnixNano(),
		orchestrator.StatePending.String(),
	)
	if err != nil {
		return false, storeFailure("accept", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeFailure("accept", err)
	}
	return affected == 1, nil
}

func (s *Store) MarkInProgress(ctx context.Context, opID orchestrator.OpID) (int, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	for try := 0; try < maxConflictRetries; try++ {
		current, attempts, err := s.loadState(ctx, s.db, opID, false)
		if err != nil {
			return 0, err
		}
		if current.IsTerminal() {
			return attempts, alreadyFinalized(opID, current)
		}
		next := current
		if current == orchestrator.StatePending {
			if next, err = orchestrator.Transition(current, orchestrator.StateInProgress); err != nil {
				return 0, err
			}
		}
		var updated int
		err = s.db.QueryRowContext(ctx, s.query(`UPDATE %s SET state = ?, attempts = attempts + 1
			WHERE op_id = ? AND state = ? RETURNING attempts`, s.tables.operations),
			next.String(), opID.String(), current.String(),
		).Scan(&updated)
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("mark in progress raced for %s, retrying", opID)
			continue
		}
		if err != nil {
			return 0, storeFailure("mark in progress", err)
		}
		return updated, nil
	}
	return 0, conflict(opID)
}

func (s *Store) WriteAhead(ctx context.Context, opID orchestrator.OpID, outcome orchestrator.Outcome) error {
	data, err := orchestrator.MarshalOutcome(outcome)
	if err != nil {
		return err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, _, err := s.loadState(ctx, tx, opID, true)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return alreadyFinalized(opID, current)
		}
		_, err = tx.ExecContext(ctx, s.query(`INSERT INTO %[1]s (op_id, outcome, state, recorded_at, seq)
			VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM %[1]s))
			ON CONFLICT (op_id) DO UPDATE SET
				outcome = excluded.outcome,
				state = excluded.state,
				recorded_at = excluded.recorded_at,
				seq = excluded.seq`, s.tables.writeAhead),
			opID.String(),
			string(data),
			orchestrator.WriteAheadPending.String(),
			s.now().UnixNano(),
		)
		if err != nil {
			return storeFailure("write ahead", err)
		}
		return nil
	})
}

func (s *Store) Finalize(ctx context.Context, opID orchestrator.OpID, state orchestrator.OperationState) error {
	if !state.IsTerminal() {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument,
			fmt.Sprintf("finalize requires a terminal state, got %s", state), nil, nil)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	for try := 0; try < maxConflictRetries; try++ {
		var result error
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			current, _, err := s.loadState(ctx, tx, opID, true)
			if err != nil {
				return err
			}
			hasEntry, err := s.writeAheadExists(ctx, tx, opID)
			if err != nil {
				return err
			}
			if current.IsTerminal() {
				if hasEntry {
					if err := s.completeWriteAhead(ctx, tx, opID); err != nil {
						return err
					}
				}
				if current != state {
					result = alreadyFinalized(opID, current)
				}
				return nil
			}
			if !hasEntry {
				return orchestrator.NewError(orchestrator.ErrWriteAheadMissing, "", nil,
					map[string]any{"op_id": opID.String()})
			}
			next, err := orchestrator.Transition(current, state)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, s.query(`UPDATE %s SET state = ? WHERE op_id = ? AND state = ?`,
				s.tables.operations), next.String(), opID.String(), current.String())
			if err != nil {
				return storeFailure("finalize", err)
			}
			if affected, err := res.RowsAffected(); err != nil {
				return storeFailure("finalize", err)
			} else if affected == 0 {
				return errConflict
			}
			return s.completeWriteAhead(ctx, tx, opID)
		})
		if errors.Is(err, errConflict) {
			s.logger.Debug("finalize raced for %s, retrying", opID)
			continue
		}
		if err != nil {
			return err
		}
		return result
	}
	return conflict(opID)
}

func (s *Store) ScanWA(ctx context.Context, state orchestrator.WriteAheadState, batchSize int) ([]orchestrator.OpID, error) {
	if batchSize <= 0 {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "batch size must be > 0", nil, nil)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s.scanIDs(ctx, "scan write-ahead", s.query(`SELECT op_id FROM %s WHERE state = ?
		ORDER BY recorded_at ASC, seq ASC LIMIT ?`, s.tables.writeAhead), state.String(), batchSize)
}

func (s *Store) GetWriteAheadOutcome(ctx context.Context, opID orchestrator.OpID) (orchestrator.Outcome, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, s.query(`SELECT outcome FROM %s WHERE op_id = ?`, s.tables.writeAhead),
		opID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(opID, "write-ahead entry not found")
	}
	if err != nil {
		return nil, storeFailure("load write-ahead outcome", err)
	}
	outcome, err := orchestrator.UnmarshalOutcome([]byte(raw))
	if err != nil {
		return nil, storeFailure("decode write-ahead outcome", err)
	}
	return outcome, nil
}

func (s *Store) ScanInProgress(ctx context.Context, olderThan time.Duration, batchSize int) ([]orchestrator.OpID, error) {
	return s.scanState(ctx, "scan in progress", orchestrator.StateInProgress, olderThan, batchSize)
}

func (s *Store) ScanPending(ctx context.Context, olderThan time.Duration, batchSize int) ([]orchestrator.OpID, error) {
	return s.scanState(ctx, "scan pending", orchestrator.StatePending, olderThan, batchSize)
}

func (s *Store) scanState(ctx context.Context, op string, state orchestrator.OperationState, olderThan time.Duration, batchSize int) ([]orchestrator.OpID, error) {
	if batchSize <= 0 {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "batch size must be > 0", nil, nil)
	}
	if olderThan < 0 {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "threshold must be >= 0", nil, nil)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-olderThan).UnixNano()
	return s.scanIDs(ctx, op, s.query(`SELECT op_id FROM %s
		WHERE state = ? AND accepted_at < ?
		ORDER BY accepted_at ASC, op_id ASC LIMIT ?`, s.tables.operations),
		state.String(), cutoff, batchSize)
}

func (s *Store) GetEnvelope(ctx context.Context, opID orchestrator.OpID) (orchestrator.Envelope, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return orchestrator.Envelope{}, err
	}
	var (
		domain, eventType, bizKey, idemKey string
		payload                            []byte
		acceptedAt                         int64
	)
	err := s.db.QueryRowContext(ctx, s.query(`SELECT domain, event_type, biz_key, idem_key, payload, accepted_at
		FROM %s WHERE op_id = ?`, s.tables.operations), opID.String(),
	).Scan(&domain, &eventType, &bizKey, &idemKey, &payload, &acceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.Envelope{}, notFound(opID, "")
	}
	if err != nil {
		return orchestrator.Envelope{}, storeFailure("load envelope", err)
	}
	cmd, err := orchestrator.ParseCommand(domain, eventType, bizKey, idemKey, payload)
	if err != nil {
		return orchestrator.Envelope{}, storeFailure("decode envelope", err)
	}
	return orchestrator.NewEnvelope(opID, cmd, time.Unix(0, acceptedAt).UTC())
}

func (s *Store) GetState(ctx context.Context, opID orchestrator.OpID) (orchestrator.OperationState, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return "", err
	}
	state, _, err := s.loadState(ctx, s.db, opID, false)
	return state, err
}

func (s *Store) loadState(ctx context.Context, q querier, opID orchestrator.OpID, lock bool) (orchestrator.OperationState, int, error) {
	query := fmt.Sprintf(`SELECT state, attempts FROM %s WHERE op_id = ?`, s.tables.operations)
	if lock {
		query += s.dialect.lockClause()
	}
	var (
		raw      string
		attempts int
	)
	err := q.QueryRowContext(ctx, s.dialect.rebind(query), opID.String()).Scan(&raw, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, notFound(opID, "")
	}
	if err != nil {
		return "", 0, storeFailure("load state", err)
	}
	state, err := orchestrator.ParseOperationState(raw)
	if err != nil {
		return "", 0, storeFailure("decode state", err)
	}
	return state, attempts, nil
}

func (s *Store) writeAheadExists(ctx context.Context, q querier, opID orchestrator.OpID) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.query(`SELECT 1 FROM %s WHERE op_id = ?`, s.tables.writeAhead),
		opID.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeFailure("load write-ahead entry", err)
	}
	return true, nil
}

func (s *Store) completeWriteAhead(ctx context.Context, exec execer, opID orchestrator.OpID) error {
	_, err := exec.ExecContext(ctx, s.query(`UPDATE %s SET state = ? WHERE op_id = ?`, s.tables.writeAhead),
		orchestrator.WriteAheadCompleted.String(), opID.String())
	if err != nil {
		return storeFailure("complete write-ahead entry", err)
	}
	return nil
}

func (s *Store) scanIDs(ctx context.Context, op, query string, args ...any) ([]orchestrator.OpID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeFailure(op, err)
	}
	defer rows.Close()

	out := make([]orchestrator.OpID, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeFailure(op, err)
		}
		id, err := orchestrator.ParseOpID(raw)
		if err != nil {
			return nil, storeFailure(op, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure(op, err)
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeFailure("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeFailure("commit transaction", err)
	}
	return nil
}

func (s *Store) query(format string, names ...any) string {
	return s.dialect.rebind(fmt.Sprintf(format, names...))
}

func storeFailure(op string, err error) error {
	return orchestrator.NewError(orchestrator.ErrStoreFailure, "sqlstore: "+op, err, nil)
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

func conflict(opID orchestrator.OpID) error {
	return orchestrator.NewError(orchestrator.ErrStoreFailure, "sqlstore: too many concurrent updates", errConflict,
		map[string]any{"op_id": opID.String()})
}
