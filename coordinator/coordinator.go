// Package coordinator implements the strategic tier: one agent that accepts
// goals, decomposes them into domain directives via an injected strategy,
// routes the pieces to tactical supervisors by capability, and watches the
// supervisors through their aggregated reports.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mycelium-cortex/cortex-core/agent"
	"github.com/mycelium-cortex/cortex-core/bus"
	"github.com/mycelium-cortex/cortex-core/envelope"
	"github.com/mycelium-cortex/cortex-core/observability"
	"github.com/mycelium-cortex/cortex-core/recovery"
	"github.com/mycelium-cortex/cortex-core/supervisor"
)

// Logger is the minimal logging interface used by the coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Thresholds are the aggregate levels that trigger reallocation.
type Thresholds struct {
	// MinSuccessRate triggers when a window's success rate falls below it.
	MinSuccessRate float64
	// MaxAvgLatencyMS triggers when a window's average latency exceeds it.
	MaxAvgLatencyMS int64
	// MaxQueueDepth triggers when a supervisor's overflow queue exceeds it.
	MaxQueueDepth int
}

// Config tunes the coordinator.
type Config struct {
	Thresholds Thresholds
	// HealthSweepInterval is how often supervisor silence is checked.
	HealthSweepInterval time.Duration
	// SupervisorSilenceAfter is how long a supervisor may stay silent before
	// the coordinator raises a system alert.
	SupervisorSilenceAfter time.Duration
	// IntakePerSecond limits accepted goals per second. Zero disables
	// intake limiting.
	IntakePerSecond float64
	// IntakeBurst is the burst allowance of the intake limiter.
	IntakeBurst int
}

func (c Config) withDefaults() Config {
	if c.Thresholds.MinSuccessRate <= 0 {
		c.Thresholds.MinSuccessRate = 0.5
	}
	if c.Thresholds.MaxAvgLatencyMS <= 0 {
		c.Thresholds.MaxAvgLatencyMS = 30_000
	}
	if c.Thresholds.MaxQueueDepth <= 0 {
		c.Thresholds.MaxQueueDepth = 32
	}
	if c.HealthSweepInterval <= 0 {
		c.HealthSweepInterval = 15 * time.Second
	}
	if c.SupervisorSilenceAfter <= 0 {
		c.SupervisorSilenceAfter = time.Minute
	}
	if c.IntakeBurst <= 0 {
		c.IntakeBurst = 8
	}
	return c
}

// supervisorRef is what the coordinator remembers about one supervisor.
type supervisorRef struct {
	id         string
	capability string
	lastReport time.Time
}

// goalState tracks one accepted goal until every domain directive settles.
type goalState struct {
	origin   *envelope.Envelope
	pending  map[string]struct{} // outstanding sub-directive correlation ids
	results  map[string]map[string]any
	failure  *envelope.Report // first failure wins
	accepted time.Time
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator is the strategic agent at the top of the hierarchy.
type Coordinator struct {
	id         string
	cfg        Config
	bus        *bus.Bus
	decomposer Decomposer
	logger     Logger
	limiter    *rate.Limiter

	runtime *agent.Runtime

	mu          sync.Mutex
	supervisors map[string]*supervisorRef // by supervisor id
	byDomain    map[string]string         // capability -> supervisor id
	goals       map[string]*goalState     // by goal correlation id
	subToGoal   map[string]string         // sub correlation id -> goal correlation id

	cancel context.CancelFunc
}

// New creates a coordinator. Start must be called before it accepts goals.
func New(b *bus.Bus, id string, cfg Config, decomposer Decomposer, logger Logger) (*Coordinator, error) {
	if id == "" {
		return nil, fmt.Errorf("coordinator requires an id")
	}
	if decomposer == nil {
		return nil, fmt.Errorf("coordinator %q requires a decomposer", id)
	}
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.IntakePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.IntakePerSecond), cfg.IntakeBurst)
	}

	return &Coordinator{
		id:          id,
		cfg:         cfg,
		bus:         b,
		decomposer:  decomposer,
		logger:      logger,
		limiter:     limiter,
		supervisors: make(map[string]*supervisorRef),
		byDomain:    make(map[string]string),
		goals:       make(map[string]*goalState),
		subToGoal:   make(map[string]string),
	}, nil
}

// ID returns the coordinator's agent id.
func (c *Coordinator) ID() string { return c.id }

// Start registers the coordinator as a strategic agent and launches the
// health sweep.
func (c *Coordinator) Start(ctx context.Context) error {
	rt, err := agent.New(c.bus, agent.Spec{
		ID:   c.id,
		Tier: bus.TierStrategic,
	}, "", c, c.logger)
	if err != nil {
		return err
	}
	c.runtime = rt
	if err := rt.Start(ctx); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	recovery.SafeGo(c.logger, "health_sweep:"+c.id, func() {
		ticker := time.NewTicker(c.cfg.HealthSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				c.sweepSupervisors()
			}
		}
	}, nil)
	return nil
}

// Stop halts the sweep and the coordinator's own loop.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.runtime != nil {
		return c.runtime.Stop(ctx, c.id)
	}
	return nil
}

// RegisterSupervisor attaches one tactical supervisor per domain. A second
// registration for the same capability is rejected.
func (c *Coordinator) RegisterSupervisor(supervisorID, capability string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, taken := c.byDomain[capability]; taken {
		return NewDuplicateDomainError(capability, existing)
	}
	c.supervisors[supervisorID] = &supervisorRef{
		id:         supervisorID,
		capability: capability,
		lastReport: time.Now().UTC(),
	}
	c.byDomain[capability] = supervisorID
	c.logger.Info("supervisor_registered",
		"coordinator_id", c.id,
		"supervisor_id", supervisorID,
		"capability", capability,
	)
	return nil
}

// Submit builds a goal directive from senderID and sends it to the
// coordinator. The returned id is the goal correlation the sender's terminal
// report will carry.
func (c *Coordinator) Submit(senderID, action string, params map[string]any, opts ...envelope.Option) (string, error) {
	goal := envelope.NewDirective(senderID, c.id, action, params, opts...)
	if err := c.bus.Send(goal); err != nil {
		return "", err
	}
	return goal.Correlation(), nil
}

// =============================================================================
// Handlers (the coordinator is itself an agent)
// =============================================================================

var _ agent.Handlers = (*Coordinator)(nil)

// OnDirective accepts one goal: rate limit, decompose, resolve a supervisor
// per piece, dispatch. Any resolution failure fails the whole goal before a
// single piece is dispatched.
func (c *Coordinator) OnDirective(ctx context.Context, env *envelope.Envelope) (*envelope.Report, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		observability.RecordRouteFault(CodeRateLimited)
		return &envelope.Report{
			Status:    envelope.StatusFailed,
			ErrorCode: CodeRateLimited,
			Message:   "goal intake limit reached",
			Retryable: true,
		}, nil
	}

	goal, err := envelope.ParseDirective(env.Payload)
	if err != nil {
		return nil, agent.Failf("malformed_directive", false, "%v", err)
	}

	parts, err := c.decomposer.Decompose(goal)
	if err != nil {
		return nil, agent.Failf(CodeDecomposeFailed, false, "%v", err)
	}
	if len(parts) == 0 {
		return &envelope.Report{Status: envelope.StatusSuccess}, nil
	}

	// Resolve every piece before dispatching any.
	targets := make([]string, len(parts))
	c.mu.Lock()
	for i, part := range parts {
		supID, ok := c.byDomain[part.Capability]
		if !ok {
			c.mu.Unlock()
			observability.RecordRouteFault(CodeNoCapableSupervisor)
			ncs := NewNoCapableSupervisorError(part.Capability)
			return &envelope.Report{
				Status:    envelope.StatusFailed,
				ErrorCode: CodeNoCapableSupervisor,
				Message:   ncs.Error(),
			}, nil
		}
		targets[i] = supID
	}

	gs := &goalState{
		origin:   env,
		pending:  make(map[string]struct{}, len(parts)),
		results:  make(map[string]map[string]any),
		accepted: time.Now().UTC(),
	}
	goalKey := env.Correlation()
	c.goals[goalKey] = gs

	subs := make([]*envelope.Envelope, len(parts))
	for i, part := range parts {
		priority := part.Priority
		if priority == 0 {
			priority = env.Priority
		}
		// Each piece correlates on its own fresh id so supervisors track it
		// independently; the goal mapping lives here.
		sub := envelope.NewDirective(c.id, targets[i], part.Action, part.Params,
			envelope.WithPriority(priority))
		subs[i] = sub
		gs.pending[sub.ID] = struct{}{}
		c.subToGoal[sub.ID] = goalKey
	}
	c.mu.Unlock()

	c.logger.Info("goal_accepted",
		"coordinator_id", c.id,
		"goal_id", goalKey,
		"pieces", len(parts),
	)

	for _, sub := range subs {
		if err := c.bus.Send(sub); err != nil {
			// Synchronous send failure settles the piece as failed.
			c.settlePiece(sub.ID, envelope.Report{
				Status:    envelope.StatusFailed,
				ErrorCode: "route_failed",
				Message:   err.Error(),
				Retryable: true,
			}, "")
		}
	}
	return nil, nil
}

// OnReport receives both windowed aggregates and per-piece terminal reports
// from supervisors.
func (c *Coordinator) OnReport(ctx context.Context, env *envelope.Envelope) error {
	c.touchSupervisor(env.SenderID)

	if isAggregate, _ := env.Payload["aggregate"].(bool); isAggregate {
		c.onAggregatedReport(env)
		return nil
	}
	if event, _ := env.Payload["event"].(string); event == "capacity-reduced" {
		c.logger.Warn("supervisor_capacity_reduced",
			"supervisor_id", env.SenderID,
			"capability", env.Payload["capability"],
			"pool_size", env.Payload["pool_size"],
		)
		return nil
	}

	report, err := envelope.ParseReport(env.Payload)
	if err != nil {
		c.logger.Debug("unparseable_report", "envelope_id", env.ID, "error", err)
		return nil
	}
	c.settlePiece(env.Correlation(), report, env.SenderID)
	return nil
}

// OnQuery answers status queries with a snapshot of goals and supervisors.
func (c *Coordinator) OnQuery(ctx context.Context, env *envelope.Envelope) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sups := make(map[string]any, len(c.supervisors))
	for id, ref := range c.supervisors {
		sups[id] = map[string]any{
			"capability":  ref.capability,
			"last_report": ref.lastReport.Format(time.RFC3339Nano),
		}
	}
	return map[string]any{
		"goals_in_flight": len(c.goals),
		"supervisors":     sups,
	}, nil
}

// OnCoordinate is not used by the coordinator.
func (c *Coordinator) OnCoordinate(ctx context.Context, env *envelope.Envelope) (map[string]any, error) {
	return nil, nil
}

// OnEvent logs hierarchy events addressed to the coordinator.
func (c *Coordinator) OnEvent(ctx context.Context, env *envelope.Envelope) error {
	if event, _ := env.Payload["event"].(string); event != "" {
		c.logger.Warn("hierarchy_event",
			"coordinator_id", c.id,
			"event", event,
			"agent_id", env.Payload["agent_id"],
		)
	}
	return nil
}

// =============================================================================
// Goal settlement
// =============================================================================

// settlePiece applies one terminal sub-report to its goal. When the last
// piece settles the goal's single terminal report goes back to the
// originator.
func (c *Coordinator) settlePiece(subID string, report envelope.Report, supervisorID string) {
	c.mu.Lock()
	goalKey, ok := c.subToGoal[subID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("unmatched_terminal_report", "correlation_id", subID)
		return
	}
	delete(c.subToGoal, subID)

	gs := c.goals[goalKey]
	delete(gs.pending, subID)
	if report.Succeeded() {
		if report.Data != nil {
			gs.results[subID] = report.Data
		}
	} else if gs.failure == nil {
		f := report
		gs.failure = &f
	}

	if len(gs.pending) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.goals, goalKey)
	c.mu.Unlock()

	var payload map[string]any
	if gs.failure != nil {
		payload = envelope.FailureReport(gs.failure.ErrorCode, gs.failure.Message, gs.failure.Retryable)
	} else {
		latency := time.Since(gs.accepted).Milliseconds()
		payload = envelope.SuccessReport(map[string]any{"pieces": len(gs.results)}, latency)
	}
	reply := gs.origin.Reply(c.id, payload)
	if err := c.bus.Send(reply); err != nil {
		c.logger.Error("goal_report_undeliverable",
			"coordinator_id", c.id,
			"goal_id", goalKey,
			"error", err,
		)
	}
	c.logger.Info("goal_settled",
		"coordinator_id", c.id,
		"goal_id", goalKey,
		"failed", gs.failure != nil,
		"supervisor_id", supervisorID,
	)
}

// =============================================================================
// Supervisor health and reallocation
// =============================================================================

func (c *Coordinator) touchSupervisor(supervisorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.supervisors[supervisorID]; ok {
		ref.lastReport = time.Now().UTC()
	}
}

// onAggregatedReport compares a window against the thresholds and emits a
// reallocation directive when the supervisor is struggling.
func (c *Coordinator) onAggregatedReport(env *envelope.Envelope) {
	supervisorID := env.SenderID
	successRate, _ := env.Payload["success_rate"].(float64)
	avgLatency := asInt64(env.Payload["avg_latency_ms"])
	queueDepth := asInt64(env.Payload["queue_depth"])

	c.logger.Debug("aggregate_received",
		"supervisor_id", supervisorID,
		"success_rate", successRate,
		"avg_latency_ms", avgLatency,
		"queue_depth", queueDepth,
	)

	var reason string
	switch {
	case successRate < c.cfg.Thresholds.MinSuccessRate:
		reason = "success_rate_below_threshold"
	case avgLatency > c.cfg.Thresholds.MaxAvgLatencyMS:
		reason = "latency_above_threshold"
	case queueDepth > int64(c.cfg.Thresholds.MaxQueueDepth):
		reason = "queue_depth_above_threshold"
	default:
		return
	}

	c.logger.Warn("reallocation_triggered",
		"coordinator_id", c.id,
		"supervisor_id", supervisorID,
		"reason", reason,
	)
	directive := envelope.NewDirective(c.id, supervisorID, supervisor.ActionExpandPool, map[string]any{
		"reason": reason,
	}, envelope.WithPriority(8))
	if err := c.bus.Send(directive); err != nil {
		c.logger.Error("reallocation_undeliverable",
			"supervisor_id", supervisorID,
			"error", err,
		)
	}
}

// sweepSupervisors raises a tier-wide alert for every supervisor that has
// gone silent. The coordinator alerts; it does not attempt recovery.
func (c *Coordinator) sweepSupervisors() {
	now := time.Now().UTC()

	c.mu.Lock()
	var silent []*supervisorRef
	for _, ref := range c.supervisors {
		if now.Sub(ref.lastReport) > c.cfg.SupervisorSilenceAfter {
			silent = append(silent, ref)
		}
	}
	c.mu.Unlock()

	for _, ref := range silent {
		c.logger.Warn("supervisor_silent",
			"coordinator_id", c.id,
			"supervisor_id", ref.id,
			"last_report", ref.lastReport,
		)
		alert := envelope.NewEvent(c.id, []string{string(bus.TierTactical)}, map[string]any{
			"event":         "supervisor-silent",
			"supervisor_id": ref.id,
			"capability":    ref.capability,
			"last_report":   ref.lastReport.Format(time.RFC3339Nano),
		}, envelope.WithPriority(9))
		if err := c.bus.Broadcast(bus.TierTactical, alert); err != nil {
			c.logger.Error("alert_broadcast_failed", "supervisor_id", ref.id, "error", err)
		}
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
