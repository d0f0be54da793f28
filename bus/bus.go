package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mycelium-cortex/cortex-core/envelope"
	"github.com/mycelium-cortex/cortex-core/observability"
	"github.com/mycelium-cortex/cortex-core/recovery"
)

// Logger is the minimal logging interface used by the bus.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// =============================================================================
// REGISTRY TYPES
// =============================================================================

// Tier places an agent in the hierarchy.
type Tier string

const (
	// TierExecution holds leaf worker agents.
	TierExecution Tier = "execution"
	// TierTactical holds domain supervisors.
	TierTactical Tier = "tactical"
	// TierStrategic holds the coordinator.
	TierStrategic Tier = "strategic"
)

// Identity describes a registered agent.
type Identity struct {
	ID           string
	Capabilities []string
	Tier         Tier
}

// Health is the registry's view of one agent's liveness.
type Health struct {
	State         string
	LastHeartbeat time.Time
	Failures      int
}

// Handle is what an agent holds after registration: its identity and the
// mailbox the bus delivers into.
type Handle struct {
	Identity Identity
	Mailbox  *Mailbox
}

// registration is the registry record for one agent.
type registration struct {
	identity Identity
	mailbox  *Mailbox
	parentID string
	health   Health
}

// =============================================================================
// BUS
// =============================================================================

// healthEventSender is the synthetic sender id on unhealthy-agent events.
const healthEventSender = "bus-health-monitor"

// Options configures a Bus.
type Options struct {
	// MailboxCapacity bounds every agent mailbox. Zero means 64.
	MailboxCapacity int
	// DeadLetterLimit bounds the dead-letter store. Zero means 1024.
	DeadLetterLimit int
	// Logger receives structured bus events. Nil disables logging.
	Logger Logger
	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Bus is the in-memory message bus and agent registry. All methods are safe
// for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	agents  map[string]*registration
	byCap   map[string][]string // capability -> agent ids, registration order
	byTier  map[Tier][]string   // tier -> agent ids, registration order
	letters *DeadLetterStore

	mailboxCapacity int
	logger          Logger
	now             func() time.Time
}

// DefaultMailboxCapacity bounds mailboxes when no capacity is configured.
const DefaultMailboxCapacity = 64

// New creates a bus.
func New(opts Options) *Bus {
	capacity := opts.MailboxCapacity
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Bus{
		agents:          make(map[string]*registration),
		byCap:           make(map[string][]string),
		byTier:          make(map[Tier][]string),
		letters:         NewDeadLetterStore(opts.DeadLetterLimit),
		mailboxCapacity: capacity,
		logger:          logger,
		now:             now,
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// -----------------------------------------------------------------------------
// Registration
// -----------------------------------------------------------------------------

// Register adds an agent to the registry and allocates its mailbox.
// The parentID names the agent responsible for this one; it receives
// unhealthy-agent events from the health monitor. Empty means no parent.
func (b *Bus) Register(identity Identity, parentID string) (*Handle, error) {
	if identity.ID == "" {
		return nil, fmt.Errorf("register: empty agent id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.agents[identity.ID]; exists {
		return nil, NewDuplicateIdentityError(identity.ID)
	}

	mb := NewMailbox(identity.ID, b.mailboxCapacity)
	b.agents[identity.ID] = &registration{
		identity: identity,
		mailbox:  mb,
		parentID: parentID,
		health: Health{
			State:         "created",
			LastHeartbeat: b.now(),
		},
	}
	for _, cap := range identity.Capabilities {
		b.byCap[cap] = append(b.byCap[cap], identity.ID)
	}
	b.byTier[identity.Tier] = append(b.byTier[identity.Tier], identity.ID)

	observability.SetRegisteredAgents(string(identity.Tier), len(b.byTier[identity.Tier]))
	b.logger.Info("agent_registered",
		"agent_id", identity.ID,
		"tier", identity.Tier,
		"capabilities", identity.Capabilities,
		"parent_id", parentID,
	)
	return &Handle{Identity: identity, Mailbox: mb}, nil
}

// Unregister removes an agent. Pending mail is dead-lettered with reason
// AgentRemoved and the capability index entries are dropped.
func (b *Bus) Unregister(agentID string) error {
	b.mu.Lock()
	reg, ok := b.agents[agentID]
	if !ok {
		b.mu.Unlock()
		return NewUnknownRecipientError(agentID)
	}
	delete(b.agents, agentID)
	for _, cap := range reg.identity.Capabilities {
		b.byCap[cap] = removeID(b.byCap[cap], agentID)
		if len(b.byCap[cap]) == 0 {
			delete(b.byCap, cap)
		}
	}
	b.byTier[reg.identity.Tier] = removeID(b.byTier[reg.identity.Tier], agentID)
	tierCount := len(b.byTier[reg.identity.Tier])
	b.mu.Unlock()

	drained := reg.mailbox.Close()
	for _, env := range drained {
		b.letters.Record(env, agentID, ReasonAgentRemoved)
	}

	observability.SetRegisteredAgents(string(reg.identity.Tier), tierCount)
	observability.DropMailboxDepth(agentID)
	b.logger.Info("agent_unregistered",
		"agent_id", agentID,
		"pending_dead_lettered", len(drained),
	)
	return nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Lookup returns the identity registered under id.
func (b *Bus) Lookup(agentID string) (Identity, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reg, ok := b.agents[agentID]
	if !ok {
		return Identity{}, false
	}
	return reg.identity, true
}

// Parent returns the parent id registered for an agent.
func (b *Bus) Parent(agentID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reg, ok := b.agents[agentID]
	if !ok {
		return "", false
	}
	return reg.parentID, true
}

// FindByCapability returns the ids of agents advertising the capability, in
// registration order. No further ordering is guaranteed.
func (b *Bus) FindByCapability(capability string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.byCap[capability]...)
}

// Members returns the ids registered in a tier, in registration order.
func (b *Bus) Members(tier Tier) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.byTier[tier]...)
}

// -----------------------------------------------------------------------------
// Delivery
// -----------------------------------------------------------------------------

// Send validates the envelope and enqueues it into every recipient mailbox.
// An expired envelope is dead-lettered once with reason Expired and nothing
// is delivered. Unknown recipients and full mailboxes are dead-lettered per
// recipient; the joined errors are returned while delivery to the remaining
// recipients proceeds.
func (b *Bus) Send(env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Expired(b.now()) {
		b.letters.Record(env, "", ReasonExpired)
		b.logger.Warn("envelope_expired", "envelope_id", env.ID, "kind", env.Kind)
		return NewEnvelopeExpiredError(env.ID)
	}

	var errs []error
	for _, recipientID := range env.Recipients {
		if err := b.deliver(env, recipientID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcast sends a copy of the envelope to every member of a tier.
// Individual delivery failures do not stop the fan-out.
func (b *Bus) Broadcast(tier Tier, env *envelope.Envelope) error {
	if env.Expired(b.now()) {
		b.letters.Record(env, "", ReasonExpired)
		return NewEnvelopeExpiredError(env.ID)
	}

	members := b.Members(tier)
	var errs []error
	for _, id := range members {
		c := env.Clone()
		c.Recipients = []string{id}
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.deliver(c, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(env *envelope.Envelope, recipientID string) error {
	b.mu.RLock()
	reg, ok := b.agents[recipientID]
	b.mu.RUnlock()

	if !ok {
		b.letters.Record(env, recipientID, ReasonUnknownRecipient)
		b.logger.Warn("unknown_recipient",
			"envelope_id", env.ID,
			"recipient_id", recipientID,
		)
		return NewUnknownRecipientError(recipientID)
	}

	if err := reg.mailbox.Enqueue(env); err != nil {
		var full *MailboxFullError
		var closed *MailboxClosedError
		switch {
		case errors.As(err, &full):
			b.letters.Record(env, recipientID, ReasonMailboxFull)
			b.logger.Warn("mailbox_full",
				"envelope_id", env.ID,
				"recipient_id", recipientID,
				"capacity", full.Capacity,
			)
		case errors.As(err, &closed):
			// Recipient stopped but has not been unregistered yet.
			b.letters.Record(env, recipientID, ReasonAgentStopped)
		}
		return err
	}

	observability.RecordDelivery(string(env.Kind))
	observability.SetMailboxDepth(recipientID, reg.mailbox.Len())
	return nil
}

// Discard moves an envelope straight to the dead-letter store. Used by agent
// runtimes when draining a stopped mailbox or skipping expired mail.
func (b *Bus) Discard(env *envelope.Envelope, recipientID string, reason Reason) {
	b.letters.Record(env, recipientID, reason)
}

// DeadLetters exposes the dead-letter store for inspection.
func (b *Bus) DeadLetters() *DeadLetterStore {
	return b.letters
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// Heartbeat records liveness for an agent along with its lifecycle state.
func (b *Bus) Heartbeat(agentID, state string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg, ok := b.agents[agentID]
	if !ok {
		return NewUnknownRecipientError(agentID)
	}
	reg.health.LastHeartbeat = b.now()
	reg.health.State = state
	return nil
}

// MarkFailure increments the rolling failure count for an agent.
func (b *Bus) MarkFailure(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reg, ok := b.agents[agentID]; ok {
		reg.health.Failures++
	}
}

// HealthOf returns the registry's health record for an agent.
func (b *Bus) HealthOf(agentID string) (Health, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reg, ok := b.agents[agentID]
	if !ok {
		return Health{}, false
	}
	return reg.health, true
}

// StartHealthMonitor launches the heartbeat watcher. Every interval it scans
// the registry; an agent whose last heartbeat is older than staleAfter gets
// an "agent-unhealthy" event delivered to its registered parent. The monitor
// observes and notifies, it never restarts anything itself.
func (b *Bus) StartHealthMonitor(ctx context.Context, interval, staleAfter time.Duration) {
	recovery.SafeGo(b.logger, "health_monitor", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweepHealth(staleAfter)
			}
		}
	}, nil)
}

func (b *Bus) sweepHealth(staleAfter time.Duration) {
	now := b.now()

	type stale struct {
		agentID  string
		parentID string
		last     time.Time
	}
	var found []stale

	b.mu.RLock()
	for id, reg := range b.agents {
		if reg.parentID == "" {
			continue
		}
		if now.Sub(reg.health.LastHeartbeat) > staleAfter {
			found = append(found, stale{agentID: id, parentID: reg.parentID, last: reg.health.LastHeartbeat})
		}
	}
	b.mu.RUnlock()

	for _, s := range found {
		b.logger.Warn("agent_unhealthy",
			"agent_id", s.agentID,
			"parent_id", s.parentID,
			"last_heartbeat", s.last,
		)
		env := envelope.NewEvent(healthEventSender, []string{s.parentID}, UnhealthyEventPayload(s.agentID, s.last),
			envelope.WithPriority(8))
		if err := b.Send(env); err != nil {
			b.logger.Error("unhealthy_event_undeliverable",
				"agent_id", s.agentID,
				"parent_id", s.parentID,
				"error", err,
			)
		}
	}
}

// UnhealthyEventKey is the payload event name carried by health monitor
// notifications.
const UnhealthyEventKey = "agent-unhealthy"

// UnhealthyEventPayload builds the payload of an agent-unhealthy event.
func UnhealthyEventPayload(agentID string, lastHeartbeat time.Time) map[string]any {
	return map[string]any{
		"event":          UnhealthyEventKey,
		"agent_id":       agentID,
		"last_heartbeat": lastHeartbeat.Format(time.RFC3339Nano),
	}
}

// Stats is a point-in-time snapshot of bus state.
type Stats struct {
	RegisteredAgents int
	DeadLetters      int
	MailboxDepths    map[string]int
}

// Snapshot returns current bus statistics.
func (b *Bus) Snapshot() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	depths := make(map[string]int, len(b.agents))
	for id, reg := range b.agents {
		depths[id] = reg.mailbox.Len()
	}
	return Stats{
		RegisteredAgents: len(b.agents),
		DeadLetters:      b.letters.Len(),
		MailboxDepths:    depths,
	}
}
