package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-cortex/cortex-core/bus"
	"github.com/mycelium-cortex/cortex-core/envelope"
	"github.com/mycelium-cortex/cortex-core/logging"
)

// countingWorker tracks invocations and fails on demand.
type countingWorker struct {
	calls   atomic.Int64
	failErr error
}

func (w *countingWorker) Execute(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	w.calls.Add(1)
	if w.failErr != nil {
		return nil, w.failErr
	}
	return map[string]any{"echo": action}, nil
}

// probeInbox wraps the probe handle so tests can wait for one envelope kind
// without depending on arrival order. An agent may emit several envelopes
// for one directive (a high-priority fatal event plus the terminal report);
// non-matching envelopes stay pending for later calls.
type probeInbox struct {
	handle  *bus.Handle
	pending []*envelope.Envelope
}

func (p *probeInbox) awaitKind(t *testing.T, want envelope.Kind) *envelope.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for i, env := range p.pending {
			if env.Kind == want {
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				return env
			}
		}
		if env, ok := p.handle.Mailbox.TryDequeue(); ok {
			if env.Kind == want {
				return env
			}
			p.pending = append(p.pending, env)
			continue
		}
		select {
		case <-deadline:
			t.Fatalf("no %s envelope arrived", want)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func newHarness(t *testing.T) (*bus.Bus, *probeInbox) {
	t.Helper()
	b := bus.New(bus.Options{MailboxCapacity: 16})
	probe, err := b.Register(bus.Identity{ID: "probe", Tier: bus.TierStrategic}, "")
	require.NoError(t, err)
	return b, &probeInbox{handle: probe}
}

func startAgent(t *testing.T, b *bus.Bus, spec Spec, parentID string, h Handlers) *Runtime {
	t.Helper()
	r, err := New(b, spec, parentID, h, logging.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background(), parentID) })
	return r
}

// awaitReport polls the probe mailbox for the next report envelope.
func awaitReport(t *testing.T, probe *probeInbox) *envelope.Envelope {
	t.Helper()
	return probe.awaitKind(t, envelope.KindReport)
}

func waitForState(t *testing.T, r *Runtime, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for r.State() != want {
		select {
		case <-deadline:
			t.Fatalf("agent never reached %s, still %s", want, r.State())
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestLifecycleTransitions(t *testing.T) {
	b, _ := newHarness(t)
	r, err := New(b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", WrapWorker(&countingWorker{}), logging.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, r.State())

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StateRunning, r.State())

	require.NoError(t, r.Stop(context.Background(), "probe"))
	assert.Equal(t, StateStopped, r.State())

	// Stop is idempotent and terminal.
	require.NoError(t, r.Stop(context.Background(), "probe"))
	assert.Error(t, r.Start(context.Background()))
}

func TestIsValidTransitionTable(t *testing.T) {
	assert.True(t, IsValidTransition(StateCreated, StateInitializing))
	assert.True(t, IsValidTransition(StateRunning, StateDegraded))
	assert.True(t, IsValidTransition(StateDegraded, StateRunning))
	assert.False(t, IsValidTransition(StateStopped, StateRunning))
	assert.False(t, IsValidTransition(StateCreated, StateRunning))
}

type failingInit struct {
	Base
}

func (failingInit) Init(context.Context) error { return errors.New("no database") }

func TestInitFailureStops(t *testing.T) {
	b, _ := newHarness(t)
	r, err := New(b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", failingInit{}, logging.NopLogger{})
	require.NoError(t, err)

	err = r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
	assert.Equal(t, StateStopped, r.State())
}

func TestDirectiveSuccessReport(t *testing.T) {
	b, probe := newHarness(t)
	w := &countingWorker{}
	startAgent(t, b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", WrapWorker(w))

	dir := envelope.NewDirective("probe", "w1", "echo", map[string]any{"x": 1})
	require.NoError(t, b.Send(dir))

	rep := awaitReport(t, probe)
	assert.Equal(t, envelope.KindReport, rep.Kind)
	assert.Equal(t, dir.ID, rep.CorrelationID, "terminal report must carry the directive correlation")

	parsed, err := envelope.ParseReport(rep.Payload)
	require.NoError(t, err)
	assert.True(t, parsed.Succeeded())
	assert.Equal(t, "echo", parsed.Data["echo"])
	assert.Equal(t, int64(1), w.calls.Load())
}

func TestDirectiveFailureDegradesThenRecovers(t *testing.T) {
	b, probe := newHarness(t)
	w := &countingWorker{failErr: Failf("flaky", true, "transient upstream error")}
	r := startAgent(t, b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", WrapWorker(w))

	require.NoError(t, b.Send(envelope.NewDirective("probe", "w1", "echo", nil)))
	rep := awaitReport(t, probe)
	parsed, err := envelope.ParseReport(rep.Payload)
	require.NoError(t, err)
	assert.False(t, parsed.Succeeded())
	assert.Equal(t, "flaky", parsed.ErrorCode)
	assert.True(t, parsed.Retryable)
	waitForState(t, r, StateDegraded)

	// Next success flips the agent back to Running.
	w.failErr = nil
	require.NoError(t, b.Send(envelope.NewDirective("probe", "w1", "echo", nil)))
	rep = awaitReport(t, probe)
	parsed, err = envelope.ParseReport(rep.Payload)
	require.NoError(t, err)
	assert.True(t, parsed.Succeeded())
	waitForState(t, r, StateRunning)
}

func TestFatalErrorStopsAgent(t *testing.T) {
	b, probe := newHarness(t)
	w := &countingWorker{failErr: Fatal(errors.New("corrupted state"))}
	r := startAgent(t, b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", WrapWorker(w))

	require.NoError(t, b.Send(envelope.NewDirective("probe", "w1", "echo", nil)))

	rep := awaitReport(t, probe)
	parsed, err := envelope.ParseReport(rep.Payload)
	require.NoError(t, err)
	assert.False(t, parsed.Succeeded())
	assert.Equal(t, "fatal", parsed.ErrorCode)
	waitForState(t, r, StateStopped)

	// The parent is alerted alongside the terminal report.
	alert := probe.awaitKind(t, envelope.KindEvent)
	assert.Equal(t, "agent-fatal", alert.Payload["event"])
}

type panickingHandlers struct{ Base }

func (panickingHandlers) OnDirective(context.Context, *envelope.Envelope) (*envelope.Report, error) {
	panic("boom")
}

func TestPanicIsFatal(t *testing.T) {
	b, probe := newHarness(t)
	r := startAgent(t, b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", panickingHandlers{})

	require.NoError(t, b.Send(envelope.NewDirective("probe", "w1", "echo", nil)))

	rep := awaitReport(t, probe)
	parsed, err := envelope.ParseReport(rep.Payload)
	require.NoError(t, err)
	assert.Equal(t, "fatal", parsed.ErrorCode)
	waitForState(t, r, StateStopped)
}

func TestActionSetRejectsWithoutInvokingHandler(t *testing.T) {
	b, probe := newHarness(t)
	w := &countingWorker{}
	actions := envelope.MustActionSet("echoing", "echo")
	startAgent(t, b, Spec{ID: "w1", Tier: bus.TierExecution, Actions: actions}, "probe", WrapWorker(w))

	require.NoError(t, b.Send(envelope.NewDirective("probe", "w1", "shred", nil)))

	rep := awaitReport(t, probe)
	parsed, err := envelope.ParseReport(rep.Payload)
	require.NoError(t, err)
	assert.Equal(t, "unknown_action", parsed.ErrorCode)
	assert.Equal(t, int64(0), w.calls.Load(), "handler must not run for an unknown action")
}

func TestStopDeadLettersPendingMail(t *testing.T) {
	b, _ := newHarness(t)
	blocker := make(chan struct{})
	slow := WorkerFunc(func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		<-blocker
		return nil, nil
	})
	r := startAgent(t, b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", WrapWorker(slow))

	// One directive occupies the loop; three more stay queued.
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Send(envelope.NewDirective("probe", "w1", "slow", nil)))
	}
	time.Sleep(20 * time.Millisecond)

	// Stop first so the loop sees cancellation, then release the handler.
	stopDone := make(chan error, 1)
	go func() { stopDone <- r.Stop(context.Background(), "probe") }()
	time.Sleep(20 * time.Millisecond)
	close(blocker)
	require.NoError(t, <-stopDone)

	stopped := b.DeadLetters().ByReason(bus.ReasonAgentStopped)
	assert.Len(t, stopped, 3, "queued mail must be dead-lettered with AgentStopped")
	for _, dl := range stopped {
		assert.Equal(t, "w1", dl.RecipientID)
	}
}

func TestStopRequiresOwner(t *testing.T) {
	b, _ := newHarness(t)
	r := startAgent(t, b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", WrapWorker(&countingWorker{}))

	err := r.Stop(context.Background(), "intruder")
	var notOwner *NotOwnerError
	require.ErrorAs(t, err, &notOwner)
	assert.Equal(t, "w1", notOwner.AgentID)
	assert.Equal(t, StateRunning, r.State())

	require.NoError(t, r.Stop(context.Background(), "probe"))
}

type queryHandlers struct{ Base }

func (queryHandlers) OnQuery(_ context.Context, env *envelope.Envelope) (map[string]any, error) {
	return map[string]any{"depth": 3}, nil
}

func TestQueryReplyCorrelatesOnQueryID(t *testing.T) {
	b, probe := newHarness(t)
	startAgent(t, b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", queryHandlers{})

	q := envelope.NewQuery("probe", "w1", map[string]any{"what": "depth"})
	require.NoError(t, b.Send(q))

	rep := awaitReport(t, probe)
	assert.Equal(t, q.ID, rep.CorrelationID)
	parsed, err := envelope.ParseReport(rep.Payload)
	require.NoError(t, err)
	assert.True(t, parsed.Succeeded())
	assert.Equal(t, 3, parsed.Data["depth"])
}

type coordinateHandlers struct{ Base }

func (coordinateHandlers) OnCoordinate(_ context.Context, env *envelope.Envelope) (map[string]any, error) {
	return map[string]any{"accepted": true}, nil
}

func TestCoordinateReplyOnlyWhenRequested(t *testing.T) {
	b, probe := newHarness(t)
	startAgent(t, b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", coordinateHandlers{})

	// Without requires_response no reply is sent.
	fireAndForget := envelope.New(envelope.KindCoordinate, "probe", []string{"w1"}, map[string]any{"op": "lease"})
	require.NoError(t, b.Send(fireAndForget))
	time.Sleep(50 * time.Millisecond)
	_, got := probe.handle.Mailbox.TryDequeue()
	assert.False(t, got)

	asked := envelope.New(envelope.KindCoordinate, "probe", []string{"w1"}, map[string]any{"op": "lease"},
		envelope.WithRequiresResponse())
	require.NoError(t, b.Send(asked))
	reply := probe.awaitKind(t, envelope.KindCoordinate)
	assert.Equal(t, asked.ID, reply.CorrelationID)
	assert.Equal(t, true, reply.Payload["accepted"])
}

func TestExpiredMailSkippedByLoop(t *testing.T) {
	b, _ := newHarness(t)
	w := &countingWorker{}

	// Enqueue before the agent starts so the TTL can lapse in the mailbox.
	r, err := New(b, Spec{ID: "w1", Tier: bus.TierExecution}, "probe", WrapWorker(w), logging.NopLogger{})
	require.NoError(t, err)
	stale := envelope.NewDirective("probe", "w1", "echo", nil, envelope.WithTTL(10*time.Millisecond))
	require.NoError(t, b.Send(stale))
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background(), "probe") })

	deadline := time.After(2 * time.Second)
	for len(b.DeadLetters().ByReason(bus.ReasonExpired)) == 0 {
		select {
		case <-deadline:
			t.Fatal("expired envelope never dead-lettered")
		case <-time.After(2 * time.Millisecond):
		}
	}
	assert.Equal(t, int64(0), w.calls.Load())
}
