package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// Dialect selects placeholder style and column types.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the database/sql driver names used for each dialect.
func ParseDialect(raw string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	}
	return "", orchestrator.NewError(orchestrator.ErrInvalidArgument,
		fmt.Sprintf("unsupported sql dialect %q", raw), nil, map[string]any{"dialect": raw})
}

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lockClause locks selected rows until the transaction ends. SQLite serializes writers
// on its own and has no row locks.
func (d Dialect) lockClause() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) blobType() string {
	if d == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

type tables struct {
	operations  string
	writeAhead  string
	idempotency string
}

func tableNames(prefix string) tables {
	return tables{
		operations:  prefix + "_operations",
		writeAhead:  prefix + "_write_ahead",
		idempotency: prefix + "_idempotency",
	}
}

func (d Dialect) storeSchema(t tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		op_id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		event_type TEXT NOT NULL,
		biz_key TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		payload %s,
		accepted_at BIGINT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	)`, t.operations, d.blobType()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_idx ON %s (state, accepted_at)`, t.operations, t.operations),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		op_id TEXT PRIMARY KEY,
		outcome TEXT NOT NULL,
		state TEXT NOT NULL,
		recorded_at BIGINT NOT NULL,
		seq BIGINT NOT NULL
	)`, t.writeAhead),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_idx ON %s (state, recorded_at, seq)`, t.writeAhead, t.writeAhead),
	}
}

func (d Dialect) idempotencySchema(t tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		domain TEXT NOT NULL,
		event_type TEXT NOT NULL,
		biz_key TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		op_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (domain, event_type, biz_key, idem_key)
	)`, t.idempotency),
	}
}
