package orchestrator_test

import (
	"testing"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/orchestratortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOutcome(t *testing.T) {
	id := orchestrator.MustOpID("op-1")
	tests := []struct {
		name    string
		outcome orchestrator.Outcome
		valid   bool
	}{
		{"ok", orchestrator.Ok{OpID: id, Message: "done"}, true},
		{"ok with empty message", orchestrator.Ok{OpID: id}, true},
		{"ok without op id", orchestrator.Ok{Message: "done"}, false},
		{"retry", orchestrator.Retry{Reason: "timeout", AttemptCount: 1, NextRetryAfter: time.Second}, true},
		{"retry without reason", orchestrator.Retry{AttemptCount: 1}, false},
		{"retry attempt zero", orchestrator.Retry{Reason: "timeout"}, false},
		{"retry negative delay", orchestrator.Retry{Reason: "timeout", AttemptCount: 1, NextRetryAfter: -time.Second}, false},
		{"fail", orchestrator.Fail{ErrorCode: "DECLINED", Message: "card declined"}, true},
		{"fail without code", orchestrator.Fail{Message: "card declined"}, false},
		{"fail without message", orchestrator.Fail{ErrorCode: "DECLINED"}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := orchestrator.ValidateOutcome(tt.outcome)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))
		})
	}
}

func TestOutcomeConstructors(t *testing.T) {
	_, err := orchestrator.NewOk(orchestrator.OpID{}, "done")
	assert.Error(t, err)
	_, err = orchestrator.NewRetry("rate_limited", 0, 0)
	assert.Error(t, err)
	fail, err := orchestrator.NewFail("DECLINED", "card declined", "issuer")
	require.NoError(t, err)
	assert.Equal(t, "issuer", fail.Cause)
}

func TestTerminalStateFor(t *testing.T) {
	assert.Equal(t, orchestrator.StateCompleted, orchestrator.TerminalStateFor(orchestrator.Ok{}))
	assert.Equal(t, orchestrator.StateFailed, orchestrator.TerminalStateFor(orchestrator.Fail{}))
	assert.Equal(t, orchestrator.StateFailed, orchestrator.TerminalStateFor(orchestrator.Retry{}))
}

func TestOutcomeCodec(t *testing.T) {
	id := orchestrator.MustOpID("op-1")
	for _, o := range []orchestrator.Outcome{
		orchestrator.Ok{OpID: id, Message: "done"},
		orchestrator.Retry{Reason: "timeout", AttemptCount: 3, NextRetryAfter: 1500 * time.Millisecond},
		orchestrator.Fail{ErrorCode: "DECLINED", Message: "card declined", Cause: "issuer"},
	} {
		data, err := orchestrator.MarshalOutcome(o)
		require.NoError(t, err)
		got, err := orchestrator.UnmarshalOutcome(data)
		require.NoError(t, err)
		assert.Equal(t, o, got)
	}

	_, err := orchestrator.MarshalOutcome(orchestrator.Fail{})
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))

	for _, raw := range []string{`{"kind":"maybe"}`, `{"kind":"ok"}`, `not json`} {
		_, err := orchestrator.UnmarshalOutcome([]byte(raw))
		assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument), raw)
	}
}

func TestEnvelopeCodec(t *testing.T) {
	clock := orchestratortest.NewClock(orchestratortest.Epoch)
	env := orchestratortest.Envelope(t, clock, "ORDER-1", "K1")

	data, err := orchestrator.MarshalEnvelope(env)
	require.NoError(t, err)
	got, err := orchestrator.UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.OpID(), got.OpID())
	assert.Equal(t, env.Command(), got.Command())
	assert.True(t, env.AcceptedAt().Equal(got.AcceptedAt()))

	absent, err := orchestrator.ParseCommand("ORDER", "CREATE", "ORDER-2", "K2", nil)
	require.NoError(t, err)
	noPayload, err := orchestrator.NewEnvelope(orchestrator.NewOpID(), absent, clock.Now())
	require.NoError(t, err)
	data, err = orchestrator.MarshalEnvelope(noPayload)
	require.NoError(t, err)
	got, err = orchestrator.UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.True(t, got.Command().Payload().IsAbsent())

	_, err = orchestrator.MarshalEnvelope(orchestrator.Envelope{})
	assert.Error(t, err)
	_, err = orchestrator.UnmarshalEnvelope([]byte(`{"op_id":"op-1","domain":"order"}`))
	assert.True(t, orchestrator.HasCode(err, orchestrator.CodeInvalidArgument))
}

func TestNewEnvelopeValidation(t *testing.T) {
	cmd := orchestratortest.Command(t, "ORDER-1", "K1")

	_, err := orchestrator.NewEnvelope(orchestrator.OpID{}, cmd, orchestratortest.Epoch)
	assert.Error(t, err)
	_, err = orchestrator.NewEnvelope(orchestrator.NewOpID(), cmd, time.Time{})
	assert.Error(t, err)
	_, err = orchestrator.NewEnvelope(orchestrator.NewOpID(), orchestrator.Command{}, orchestratortest.Epoch)
	assert.Error(t, err)

	local := orchestratortest.Epoch.In(time.FixedZone("KST", 9*3600))
	env, err := orchestrator.NewEnvelope(orchestrator.MustOpID("op-1"), cmd, local)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, env.AcceptedAt().Location())
	assert.Equal(t, map[string]any{
		"op_id":      "op-1",
		"domain":     "ORDER",
		"event_type": "CREATE",
		"biz_key":    "ORDER-1",
	}, env.LogFields())
}

func TestOperationHandle(t *testing.T) {
	id := orchestrator.MustOpID("op-1")

	done, err := orchestrator.CompletedHandle(id, orchestrator.Ok{OpID: id})
	require.NoError(t, err)
	assert.True(t, done.CompletedFast())
	assert.Empty(t, done.StatusURL())

	async, err := orchestrator.AsyncHandle(id, "/api/operations/op-1/status")
	require.NoError(t, err)
	assert.False(t, async.CompletedFast())
	assert.Nil(t, async.Outcome())

	_, err = orchestrator.CompletedHandle(id, nil)
	assert.Error(t, err)
	_, err = orchestrator.AsyncHandle(id, " ")
	assert.Error(t, err)
	_, err = orchestrator.AsyncHandle(orchestrator.OpID{}, "/status")
	assert.Error(t, err)
}
