package bridge

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-cortex/cortex-core/bus"
	"github.com/mycelium-cortex/cortex-core/envelope"
	"github.com/mycelium-cortex/cortex-core/logging"
)

type bridgeHarness struct {
	bus    *bus.Bus
	peer   *bus.Handle
	server *httptest.Server
}

func newBridge(t *testing.T) *bridgeHarness {
	t.Helper()
	b := bus.New(bus.Options{MailboxCapacity: 16})
	peer, err := b.Register(bus.Identity{ID: "peer", Tier: bus.TierStrategic}, "")
	require.NoError(t, err)

	ts := httptest.NewServer(NewServer(b, logging.NopLogger{}).Handler())
	t.Cleanup(ts.Close)
	return &bridgeHarness{bus: b, peer: peer, server: ts}
}

func (h *bridgeHarness) dial(t *testing.T, hello Hello) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, h.server.URL, hello)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitRegistered polls until the proxy identity appears on the bus. The
// server registers asynchronously after the hello frame.
func (h *bridgeHarness) waitRegistered(t *testing.T, agentID string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if _, ok := h.bus.Lookup(agentID); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer %s never registered", agentID)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestInboundFramesReachTheBus(t *testing.T) {
	h := newBridge(t)
	c := h.dial(t, Hello{AgentID: "remote", Tier: string(bus.TierExecution)})
	h.waitRegistered(t, "remote")

	// The frame claims a different sender; the bridge overrides it.
	dir := envelope.NewDirective("imposter", "peer", "analyze", map[string]any{"depth": 3})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Send(ctx, dir))

	got, err := h.peer.Mailbox.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, dir.ID, got.ID)
	assert.Equal(t, "remote", got.SenderID, "bridge must stamp the peer's own identity")

	parsed, err := envelope.ParseDirective(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, "analyze", parsed.Action)
	assert.EqualValues(t, 3, parsed.Params["depth"])
}

func TestOutboundMailboxBecomesFrames(t *testing.T) {
	h := newBridge(t)
	c := h.dial(t, Hello{AgentID: "remote", Tier: string(bus.TierExecution)})
	h.waitRegistered(t, "remote")

	dir := envelope.NewDirective("peer", "remote", "collect", nil, envelope.WithPriority(7))
	require.NoError(t, h.bus.Send(dir))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, dir.ID, got.ID)
	assert.Equal(t, envelope.KindDirective, got.Kind)
	assert.Equal(t, 7, got.Priority)
}

func TestDisconnectUnregistersProxy(t *testing.T) {
	h := newBridge(t)
	c := h.dial(t, Hello{AgentID: "remote", Tier: string(bus.TierExecution)})
	h.waitRegistered(t, "remote")

	require.NoError(t, c.Close())

	deadline := time.After(3 * time.Second)
	for {
		if _, ok := h.bus.Lookup("remote"); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("proxy identity survived the disconnect")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestDuplicateIdentityRejected(t *testing.T) {
	h := newBridge(t)
	_ = h.dial(t, Hello{AgentID: "remote", Tier: string(bus.TierExecution)})
	h.waitRegistered(t, "remote")

	second := h.dial(t, Hello{AgentID: "remote", Tier: string(bus.TierExecution)})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := second.Receive(ctx)
	assert.Error(t, err, "second connection under a taken identity must be closed")
}

func TestInvalidHelloRejected(t *testing.T) {
	h := newBridge(t)
	c := h.dial(t, Hello{AgentID: "remote", Tier: "orbital"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.Receive(ctx)
	assert.Error(t, err, "unknown tier must be rejected at the hello frame")
	_, ok := h.bus.Lookup("remote")
	assert.False(t, ok)
}

func TestCapabilitiesAdvertisedThroughHello(t *testing.T) {
	h := newBridge(t)
	_ = h.dial(t, Hello{
		AgentID:      "remote",
		Capabilities: []string{"transcoding"},
		Tier:         string(bus.TierExecution),
	})
	h.waitRegistered(t, "remote")

	ids := h.bus.FindByCapability("transcoding")
	assert.Equal(t, []string{"remote"}, ids)
}
