package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	env := New(KindDirective, "coordinator", []string{"worker-1"}, DirectivePayload("echo", nil))

	assert.NotEmpty(t, env.ID)
	assert.Contains(t, env.ID, "msg_")
	assert.Equal(t, PriorityDefault, env.Priority)
	assert.False(t, env.CreatedAt.IsZero())
	assert.Empty(t, env.CorrelationID)
	require.NoError(t, env.Validate())
}

func TestOptions(t *testing.T) {
	env := New(KindQuery, "a", []string{"b"}, nil,
		WithPriority(9),
		WithCorrelation("corr-123"),
		WithTTL(time.Minute),
		WithRequiresResponse())

	assert.Equal(t, 9, env.Priority)
	assert.Equal(t, "corr-123", env.CorrelationID)
	assert.Equal(t, time.Minute, env.TTL)
	assert.True(t, env.RequiresResponse)
}

func TestValidateRejectsBadEnvelopes(t *testing.T) {
	base := func() *Envelope {
		return New(KindDirective, "a", []string{"b"}, nil)
	}

	env := base()
	env.Recipients = nil
	var invalid *InvalidEnvelopeError
	require.ErrorAs(t, env.Validate(), &invalid)
	assert.Equal(t, "no recipients", invalid.Reason)

	env = base()
	env.Kind = Kind("telegram")
	var unknown *UnknownKindError
	require.ErrorAs(t, env.Validate(), &unknown)
	assert.Equal(t, "telegram", unknown.Kind)

	env = base()
	env.Priority = PriorityMax + 1
	assert.Error(t, env.Validate())

	env = base()
	env.SenderID = ""
	assert.Error(t, env.Validate())
}

func TestExpired(t *testing.T) {
	env := New(KindDirective, "a", []string{"b"}, nil, WithTTL(100*time.Millisecond))

	assert.False(t, env.Expired(env.CreatedAt.Add(50*time.Millisecond)))
	assert.True(t, env.Expired(env.CreatedAt.Add(150*time.Millisecond)))

	forever := New(KindDirective, "a", []string{"b"}, nil)
	assert.False(t, forever.Expired(forever.CreatedAt.Add(24*time.Hour)))
}

func TestCorrelationChain(t *testing.T) {
	goal := New(KindDirective, "gateway", []string{"coordinator"}, DirectivePayload("plan", nil))
	// An envelope with no explicit correlation correlates on its own id.
	assert.Equal(t, goal.ID, goal.Correlation())

	sub := goal.Derive(KindDirective, "coordinator", []string{"tool-sup"}, DirectivePayload("fetch", nil))
	assert.NotEqual(t, goal.ID, sub.ID)
	assert.Equal(t, goal.ID, sub.CorrelationID)

	// A reply two hops down still correlates to the original goal.
	report := sub.Reply("tool-sup", SuccessReport(nil, 12))
	assert.Equal(t, goal.ID, report.CorrelationID)
	assert.Equal(t, KindReport, report.Kind)
	assert.Equal(t, []string{"coordinator"}, report.Recipients)
}

func TestDeriveKeepsExplicitCorrelation(t *testing.T) {
	env := New(KindDirective, "a", []string{"b"}, nil, WithCorrelation("corr-original"))
	d := env.Derive(KindReport, "b", []string{"a"}, nil)
	assert.Equal(t, "corr-original", d.CorrelationID)
}

func TestCloneIsolation(t *testing.T) {
	env := New(KindDirective, "a", []string{"b"}, map[string]any{"k": "v"})
	c := env.Clone()

	c.Recipients[0] = "other"
	c.Payload["k"] = "changed"

	assert.Equal(t, "b", env.Recipients[0])
	assert.Equal(t, "v", env.Payload["k"])
}

func TestDirectivePayloadRoundTrip(t *testing.T) {
	p := DirectivePayload("transcode", map[string]any{"codec": "av1"})
	d, err := ParseDirective(p)
	require.NoError(t, err)
	assert.Equal(t, "transcode", d.Action)
	assert.Equal(t, "av1", d.Params["codec"])

	_, err = ParseDirective(map[string]any{"params": map[string]any{}})
	var malformed *MalformedPayloadError
	assert.ErrorAs(t, err, &malformed)
}

func TestReportPayloadRoundTrip(t *testing.T) {
	p := ReportPayload(Report{
		Status:    StatusFailed,
		ErrorCode: "timeout",
		Message:   "upstream took too long",
		Retryable: true,
		LatencyMS: 1500,
	})
	r, err := ParseReport(p)
	require.NoError(t, err)
	assert.False(t, r.Succeeded())
	assert.Equal(t, "timeout", r.ErrorCode)
	assert.True(t, r.Retryable)
	assert.Equal(t, int64(1500), r.LatencyMS)

	// JSON decoding turns numbers into float64; the parser must tolerate it.
	p[keyLatencyMS] = float64(1500)
	r, err = ParseReport(p)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), r.LatencyMS)

	_, err = ParseReport(map[string]any{"status": "maybe"})
	assert.Error(t, err)
}

func TestActionSet(t *testing.T) {
	set, err := NewActionSet("media", "transcode", "thumbnail")
	require.NoError(t, err)

	assert.True(t, set.Contains("transcode"))
	assert.False(t, set.Contains("delete"))
	assert.NoError(t, set.Check("thumbnail"))

	err = set.Check("delete")
	var unknown *UnknownActionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "media", unknown.Capability)
	assert.Equal(t, "delete", unknown.Action)

	assert.Equal(t, []string{"thumbnail", "transcode"}, set.Actions())
}

func TestActionSetConstructionRejected(t *testing.T) {
	_, err := NewActionSet("media")
	var empty *EmptyActionSetError
	assert.ErrorAs(t, err, &empty)

	_, err = NewActionSet("media", "a", "a")
	assert.Error(t, err)

	_, err = NewActionSet("", "a")
	assert.Error(t, err)

	assert.Panics(t, func() { MustActionSet("media") })
	assert.NotPanics(t, func() { MustActionSet("media", "transcode") })
}

func TestErrorsUnwrapFriendly(t *testing.T) {
	err := NewUnknownActionError("media", "delete")
	wrapped := errors.Join(err, assert.AnError)
	var target *UnknownActionError
	assert.ErrorAs(t, wrapped, &target)
}
