package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-cortex/cortex-core/envelope"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return New(Options{MailboxCapacity: 8})
}

func register(t *testing.T, b *Bus, id string, tier Tier, caps ...string) *Handle {
	t.Helper()
	h, err := b.Register(Identity{ID: id, Capabilities: caps, Tier: tier}, "")
	require.NoError(t, err)
	return h
}

func TestRegisterDuplicateIdentity(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "worker-1", TierExecution, "echo")

	_, err := b.Register(Identity{ID: "worker-1", Tier: TierExecution}, "")
	var dup *DuplicateIdentityError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "worker-1", dup.AgentID)
}

func TestSendDeliversToMailbox(t *testing.T) {
	b := newTestBus(t)
	h := register(t, b, "worker-1", TierExecution, "echo")

	env := envelope.NewDirective("coordinator", "worker-1", "echo", nil)
	require.NoError(t, b.Send(env))

	got, ok := h.Mailbox.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, env.ID, got.ID)
}

func TestSendUnknownRecipientDeadLetters(t *testing.T) {
	b := newTestBus(t)

	env := envelope.NewDirective("coordinator", "ghost", "echo", nil)
	err := b.Send(env)
	var unknown *UnknownRecipientError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.AgentID)

	letters := b.DeadLetters().ByReason(ReasonUnknownRecipient)
	require.Len(t, letters, 1)
	assert.Equal(t, env.ID, letters[0].Envelope.ID)
	assert.Equal(t, "ghost", letters[0].RecipientID)
}

func TestSendExpiredDeadLettersExactlyOnce(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "worker-1", TierExecution, "echo")

	env := envelope.NewDirective("coordinator", "worker-1", "echo", nil,
		envelope.WithTTL(time.Minute))
	env.CreatedAt = time.Now().UTC().Add(-time.Hour)

	err := b.Send(env)
	var expired *EnvelopeExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, env.ID, expired.EnvelopeID)

	letters := b.DeadLetters().ByReason(ReasonExpired)
	require.Len(t, letters, 1)
	assert.Equal(t, env.ID, letters[0].Envelope.ID)

	// Nothing was delivered.
	assert.Equal(t, 0, b.Snapshot().MailboxDepths["worker-1"])
}

func TestSendMailboxFullBackpressure(t *testing.T) {
	b := New(Options{MailboxCapacity: 1})
	register(t, b, "worker-1", TierExecution, "echo")

	require.NoError(t, b.Send(envelope.NewDirective("c", "worker-1", "echo", nil)))

	err := b.Send(envelope.NewDirective("c", "worker-1", "echo", nil))
	var full *MailboxFullError
	require.ErrorAs(t, err, &full)

	require.Len(t, b.DeadLetters().ByReason(ReasonMailboxFull), 1)
}

func TestSendMultiRecipientPartialFailure(t *testing.T) {
	b := newTestBus(t)
	h := register(t, b, "worker-1", TierExecution)

	env := envelope.New(envelope.KindEvent, "c", []string{"worker-1", "ghost"}, map[string]any{"event": "x"})
	err := b.Send(env)
	var unknown *UnknownRecipientError
	require.ErrorAs(t, err, &unknown)

	// The known recipient still got its copy.
	_, ok := h.Mailbox.TryDequeue()
	assert.True(t, ok)
}

func TestUnregisterDeadLettersPendingAndClearsCapabilityIndex(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "worker-1", TierExecution, "echo", "ping")

	const pending = 3
	for i := 0; i < pending; i++ {
		require.NoError(t, b.Send(envelope.NewDirective("c", "worker-1", "echo", map[string]any{"n": i})))
	}

	require.NoError(t, b.Unregister("worker-1"))

	letters := b.DeadLetters().ByReason(ReasonAgentRemoved)
	require.Len(t, letters, pending)
	for _, dl := range letters {
		assert.Equal(t, "worker-1", dl.RecipientID)
	}

	assert.Empty(t, b.FindByCapability("echo"))
	assert.Empty(t, b.FindByCapability("ping"))
	_, found := b.Lookup("worker-1")
	assert.False(t, found)

	var unknown *UnknownRecipientError
	assert.ErrorAs(t, b.Unregister("worker-1"), &unknown)
}

func TestFindByCapabilityRegistrationOrder(t *testing.T) {
	b := newTestBus(t)
	for i := 1; i <= 3; i++ {
		register(t, b, fmt.Sprintf("worker-%d", i), TierExecution, "echo")
	}
	register(t, b, "other", TierExecution, "ping")

	assert.Equal(t, []string{"worker-1", "worker-2", "worker-3"}, b.FindByCapability("echo"))
	assert.Empty(t, b.FindByCapability("missing"))
}

func TestBroadcastFansOutToTier(t *testing.T) {
	b := newTestBus(t)
	h1 := register(t, b, "sup-1", TierTactical, "media")
	h2 := register(t, b, "sup-2", TierTactical, "chat")
	hx := register(t, b, "worker-1", TierExecution, "echo")

	env := envelope.New(envelope.KindEvent, "coordinator", []string{"tactical"}, map[string]any{"event": "alert"})
	require.NoError(t, b.Broadcast(TierTactical, env))

	e1, ok := h1.Mailbox.TryDequeue()
	require.True(t, ok)
	e2, ok := h2.Mailbox.TryDequeue()
	require.True(t, ok)
	// Same envelope id on every copy.
	assert.Equal(t, env.ID, e1.ID)
	assert.Equal(t, env.ID, e2.ID)

	_, ok = hx.Mailbox.TryDequeue()
	assert.False(t, ok, "execution tier must not receive tactical broadcast")
}

func TestHeartbeatUpdatesHealth(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "worker-1", TierExecution)

	require.NoError(t, b.Heartbeat("worker-1", "running"))
	h, ok := b.HealthOf("worker-1")
	require.True(t, ok)
	assert.Equal(t, "running", h.State)
	assert.WithinDuration(t, time.Now().UTC(), h.LastHeartbeat, time.Second)

	b.MarkFailure("worker-1")
	b.MarkFailure("worker-1")
	h, _ = b.HealthOf("worker-1")
	assert.Equal(t, 2, h.Failures)

	var unknown *UnknownRecipientError
	assert.ErrorAs(t, b.Heartbeat("ghost", "running"), &unknown)
}

func TestHealthMonitorNotifiesParent(t *testing.T) {
	b := New(Options{MailboxCapacity: 8})
	parent, err := b.Register(Identity{ID: "sup-1", Tier: TierTactical}, "")
	require.NoError(t, err)
	_, err = b.Register(Identity{ID: "worker-1", Tier: TierExecution}, "sup-1")
	require.NoError(t, err)

	// The worker never heartbeats after registration; age it past staleness.
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.StartHealthMonitor(ctx, 10*time.Millisecond, 20*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		env, ok := parent.Mailbox.TryDequeue()
		if ok {
			assert.Equal(t, envelope.KindEvent, env.Kind)
			assert.Equal(t, UnhealthyEventKey, env.Payload["event"])
			assert.Equal(t, "worker-1", env.Payload["agent_id"])
			return
		}
		select {
		case <-deadline:
			t.Fatal("parent never received agent-unhealthy event")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHealthMonitorSkipsParentlessAgents(t *testing.T) {
	b := New(Options{MailboxCapacity: 8})
	register(t, b, "coordinator", TierStrategic)

	time.Sleep(30 * time.Millisecond)
	b.sweepHealth(10 * time.Millisecond)

	assert.Equal(t, 0, b.DeadLetters().Len(), "no event should be emitted for parentless agents")
}

func TestSnapshot(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "worker-1", TierExecution, "echo")
	require.NoError(t, b.Send(envelope.NewDirective("c", "worker-1", "echo", nil)))

	s := b.Snapshot()
	assert.Equal(t, 1, s.RegisteredAgents)
	assert.Equal(t, 1, s.MailboxDepths["worker-1"])
}
