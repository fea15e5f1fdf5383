package sqlstore

import (
	"regexp"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

const (
	DefaultTablePrefix = "orch"
	// maxConflictRetries bounds optimistic update retries under contention.
	maxConflictRetries = 5
)

var tablePrefixPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,40}$`)

type Option func(*options)

type options struct {
	dialect Dialect
	prefix  string
	now     func() time.Time
	logger  orchestrator.Logger
	mint    func() orchestrator.OpID
}

func WithDialect(d Dialect) Option {
	return func(o *options) {
		if d != "" {
			o.dialect = d
		}
	}
}

// WithTablePrefix names the tables <prefix>_operations, <prefix>_write_ahead and
// <prefix>_idempotency. Prefixes that are not plain identifiers are ignored.
func WithTablePrefix(prefix string) Option {
	return func(o *options) {
		if tablePrefixPattern.MatchString(prefix) {
			o.prefix = prefix
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(logger orchestrator.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithIDGenerator replaces the OpID source of the idempotency manager.
func WithIDGenerator(mint func() orchestrator.OpID) Option {
	return func(o *options) {
		if mint != nil {
			o.mint = mint
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		dialect: DialectSQLite,
		prefix:  DefaultTablePrefix,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  orchestrator.NopLogger{},
		mint:    orchestrator.NewOpID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
