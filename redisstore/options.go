package redisstore

import (
	"strings"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

const (
	DefaultKeyPrefix         = "orch"
	DefaultVisibilityTimeout = 30 * time.Second
)

type Option func(*options)

type options struct {
	prefix            string
	now               func() time.Time
	visibilityTimeout time.Duration
	keyTTL            time.Duration
	logger            orchestrator.Logger
	mint              func() orchestrator.OpID
}

// WithKeyPrefix namespaces every key as <prefix>:...
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if p := strings.Trim(strings.TrimSpace(prefix), ":"); p != "" {
			o.prefix = p
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

// WithVisibilityTimeout sets how long a dequeued envelope stays invisible before it is
// redelivered without an ack.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibilityTimeout = d
		}
	}
}

// WithKeyTTL expires idempotency keys after d. Zero keeps them forever.
func WithKeyTTL(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.keyTTL = d
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

func WithIDGenerator(mint func() orchestrator.OpID) Option {
	return func(o *options) {
		if mint != nil {
			o.mint = mint
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		prefix:            DefaultKeyPrefix,
		now:               func() time.Time { return time.Now().UTC() },
		visibilityTimeout: DefaultVisibilityTimeout,
		logger:            orchestrator.NopLogger{},
		mint:              orchestrator.NewOpID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
