package orchestrator

import (
	"fmt"
	"time"
)

// Command is an immutable business request.
type Command struct {
	domain    Domain
	eventType EventType
	bizKey    BizKey
	idemKey   IdemKey
	payload   Payload
}

// NewCommand builds a command. The payload may be nil.
func NewCommand(domain Domain, eventType EventType, bizKey BizKey, idemKey IdemKey, payload Payload) (Command, error) {
	cmd := Command{
		domain:    domain,
		eventType: eventType,
		bizKey:    bizKey,
		idemKey:   idemKey,
		payload:   clonePayload(payload),
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// ParseCommand validates raw strings into a command.
func ParseCommand(domain, eventType, bizKey, idemKey string, payload []byte) (Command, error) {
	d, err := NewDomain(domain)
	if err != nil {
		return Command{}, err
	}
	e, err := NewEventType(eventType)
	if err != nil {
		return Command{}, err
	}
	b, err := NewBizKey(bizKey)
	if err != nil {
		return Command{}, err
	}
	i, err := NewIdemKey(idemKey)
	if err != nil {
		return Command{}, err
	}
	return NewCommand(d, e, b, i, payload)
}

func (c Command) Domain() Domain       { return c.domain }
func (c Command) EventType() EventType { return c.eventType }
func (c Command) BizKey() BizKey       { return c.bizKey }
func (c Command) IdemKey() IdemKey     { return c.idemKey }
func (c Command) Payload() Payload     { return clonePayload(c.payload) }

// Validate rejects commands with any absent required field.
func (c Command) Validate() error {
	switch {
	case c.domain.IsZero():
		return invalidArgument("domain", "command domain is required")
	case c.eventType.IsZero():
		return invalidArgument("event_type", "command event type is required")
	case c.bizKey.IsZero():
		return invalidArgument("biz_key", "command biz key is required")
	case c.idemKey.IsZero():
		return invalidArgument("idem_key", "command idem key is required")
	}
	return nil
}

// IdempotencyKey is the deduplication identity of a command.
type IdempotencyKey struct {
	Domain    Domain
	EventType EventType
	BizKey    BizKey
	IdemKey   IdemKey
}

// NewIdempotencyKey rejects keys with absent components.
func NewIdempotencyKey(domain Domain, eventType EventType, bizKey BizKey, idemKey IdemKey) (IdempotencyKey, error) {
	key := IdempotencyKey{Domain: domain, EventType: eventType, BizKey: bizKey, IdemKey: idemKey}
	if err := key.Validate(); err != nil {
		return IdempotencyKey{}, err
	}
	return key, nil
}

// IdempotencyKeyFrom projects a command onto its idempotency key.
func IdempotencyKeyFrom(cmd Command) IdempotencyKey {
	return IdempotencyKey{
		Domain:    cmd.domain,
		EventType: cmd.eventType,
		BizKey:    cmd.bizKey,
		IdemKey:   cmd.idemKey,
	}
}

func (k IdempotencyKey) Validate() error {
	switch {
	case k.Domain.IsZero():
		return invalidArgument("domain", "idempotency key domain is required")
	case k.EventType.IsZero():
		return invalidArgument("event_type", "idempotency key event type is required")
	case k.BizKey.IsZero():
		return invalidArgument("biz_key", "idempotency key biz key is required")
	case k.IdemKey.IsZero():
		return invalidArgument("idem_key", "idempotency key idem key is required")
	}
	return nil
}

// String renders the key as DOMAIN:EVENT:bizKey:idemKey for logs. BizKey and IdemKey may
// contain ':', so storage adapters key on Canonical instead.
func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Domain, k.EventType, k.BizKey, k.IdemKey)
}

// Canonical renders the key as DOMAIN:EVENT:len(bizKey):bizKey:idemKey. Domain and event
// type never contain ':' and the length prefix fixes where bizKey ends, so distinct keys
// never share an encoding.
func (k IdempotencyKey) Canonical() string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", k.Domain, k.EventType, len(k.BizKey.value), k.BizKey, k.IdemKey)
}

// Envelope wraps an accepted command with its operation id and acceptance time.
type Envelope struct {
	opID       OpID
	command    Command
	acceptedAt time.Time
}

func NewEnvelope(opID OpID, cmd Command, acceptedAt time.Time) (Envelope, error) {
	if opID.IsZero() {
		return Envelope{}, invalidArgument("op_id", "envelope op id is required")
	}
	if err := cmd.Validate(); err != nil {
		return Envelope{}, err
	}
	if acceptedAt.IsZero() || acceptedAt.UnixMilli() <= 0 {
		return Envelope{}, invalidArgument("accepted_at", "envelope accepted_at must be positive")
	}
	return Envelope{opID: opID, command: cmd, acceptedAt: acceptedAt.UTC()}, nil
}

func (e Envelope) OpID() OpID            { return e.opID }
func (e Envelope) Command() Command      { return e.command }
func (e Envelope) AcceptedAt() time.Time { return e.acceptedAt }
func (e Envelope) IsZero() bool          { return e.opID.IsZero() }

// LogFields returns correlation fields for structured logging.
func (e Envelope) LogFields() map[string]any {
	return map[string]any{
		"op_id":      e.opID.String(),
		"domain":     e.command.domain.String(),
		"event_type": e.command.eventType.String(),
		"biz_key":    e.command.bizKey.String(),
	}
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	copy(out, p)
	return out
}
