package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxOpIDLength      = 255
	MaxBizKeyLength    = 100
	MaxIdemKeyLength   = 255
	MaxDomainLength    = 50
	MaxEventTypeLength = 50
)

var (
	upperSnakePattern = regexp.MustCompile(`^[A-Z_]+$`)
	opIDPattern       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// OpID identifies one accepted operation. Only idempotency managers mint new values.
type OpID struct{ value string }

// NewOpID allocates a fresh random operation identifier.
func NewOpID() OpID {
	return OpID{value: uuid.NewString()}
}

// ParseOpID validates an existing identifier, for example one read back from storage.
func ParseOpID(raw string) (OpID, error) {
	v, err := validateText("op_id", raw, MaxOpIDLength, opIDPattern)
	if err != nil {
		return OpID{}, err
	}
	return OpID{value: v}, nil
}

// MustOpID is ParseOpID that panics on invalid input.
func MustOpID(raw string) OpID {
	return must(ParseOpID(raw))
}

func (id OpID) String() string { return id.value }
func (id OpID) IsZero() bool   { return id.value == "" }

// BizKey is the business entity key the command targets.
type BizKey struct{ value string }

func NewBizKey(raw string) (BizKey, error) {
	v, err := validateText("biz_key", raw, MaxBizKeyLength, nil)
	if err != nil {
		return BizKey{}, err
	}
	return BizKey{value: v}, nil
}

func MustBizKey(raw string) BizKey { return must(NewBizKey(raw)) }

func (k BizKey) String() string { return k.value }
func (k BizKey) IsZero() bool   { return k.value == "" }

// IdemKey is the caller supplied deduplication token.
type IdemKey struct{ value string }

func NewIdemKey(raw string) (IdemKey, error) {
	v, err := validateText("idem_key", raw, MaxIdemKeyLength, nil)
	if err != nil {
		return IdemKey{}, err
	}
	return IdemKey{value: v}, nil
}

func MustIdemKey(raw string) IdemKey { return must(NewIdemKey(raw)) }

func (k IdemKey) String() string { return k.value }
func (k IdemKey) IsZero() bool   { return k.value == "" }

// Domain names a business area in upper snake case, e.g. ORDER.
type Domain struct{ value string }

func NewDomain(raw string) (Domain, error) {
	v, err := validateText("domain", raw, MaxDomainLength, upperSnakePattern)
	if err != nil {
		return Domain{}, err
	}
	return Domain{value: v}, nil
}

func MustDomain(raw string) Domain { return must(NewDomain(raw)) }

func (d Domain) String() string { return d.value }
func (d Domain) IsZero() bool   { return d.value == "" }

// EventType names the action within a domain, e.g. CREATE.
type EventType struct{ value string }

func NewEventType(raw string) (EventType, error) {
	v, err := validateText("event_type", raw, MaxEventTypeLength, upperSnakePattern)
	if err != nil {
		return EventType{}, err
	}
	return EventType{value: v}, nil
}

func MustEventType(raw string) EventType { return must(NewEventType(raw)) }

func (e EventType) String() string { return e.value }
func (e EventType) IsZero() bool   { return e.value == "" }

// Payload is the opaque command body. A nil payload is absent.
type Payload []byte

func (p Payload) IsAbsent() bool { return p == nil }

func validateText(field, raw string, maxLen int, pattern *regexp.Regexp) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", invalidArgument(field, fmt.Sprintf("%s must not be blank", field))
	}
	if len(raw) > maxLen {
		return "", invalidArgument(field, fmt.Sprintf("%s exceeds %d characters", field, maxLen))
	}
	if pattern != nil && !pattern.MatchString(raw) {
		return "", invalidArgument(field, fmt.Sprintf("%s %q must match %s", field, raw, pattern.String()))
	}
	return raw, nil
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
