// Package supervisor implements the tactical tier: a capability-homogeneous
// pool of child agents behind one supervising agent. The supervisor routes
// directives to idle children, isolates flaky children behind per-child
// circuit breakers, retries retryable failures with exponential backoff,
// and aggregates child reports into windowed summaries for the coordinator.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mycelium-cortex/cortex-core/agent"
	"github.com/mycelium-cortex/cortex-core/bus"
	"github.com/mycelium-cortex/cortex-core/envelope"
	"github.com/mycelium-cortex/cortex-core/observability"
	"github.com/mycelium-cortex/cortex-core/recovery"
)

// Logger is the minimal logging interface used by the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// RetryOwner names who drives retries for failed retryable directives.
type RetryOwner string

const (
	// RetryOwnerSupervisor retries locally up to MaxRetries, then escalates.
	RetryOwnerSupervisor RetryOwner = "supervisor"
	// RetryOwnerEscalate forwards every retryable failure upward untouched.
	RetryOwnerEscalate RetryOwner = "escalate"
)

// Control actions every supervisor accepts alongside its domain capability.
const (
	ActionExpandPool = "expand-pool"
	ActionShrinkPool = "shrink-pool"
)

// Config tunes one supervisor.
type Config struct {
	// Capability is the domain this pool serves.
	Capability string
	// Actions is the closed action set children accept.
	Actions *envelope.ActionSet
	// PoolLimit bounds the number of children.
	PoolLimit int
	// QueueDepth bounds the overflow queue used when every child is busy.
	QueueDepth int
	// MaxRetries bounds local retries per directive.
	MaxRetries int
	// RetryBaseDelay is the first retry delay; each further retry doubles it.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the doubling.
	RetryMaxDelay time.Duration
	// RetryOwner decides whether this supervisor retries or escalates.
	RetryOwner RetryOwner
	// BreakerThreshold is the consecutive-failure count that opens a child's
	// circuit.
	BreakerThreshold uint32
	// BreakerOpenTimeout is how long an open circuit rejects dispatches
	// before allowing one half-open probe.
	BreakerOpenTimeout time.Duration
	// AggregateEvery flushes the report window after this many child reports.
	AggregateEvery int
	// AggregateWindow flushes a non-empty report window after this interval.
	AggregateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolLimit <= 0 {
		c.PoolLimit = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.RetryOwner == "" {
		c.RetryOwner = RetryOwnerSupervisor
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 10 * time.Second
	}
	if c.AggregateEvery <= 0 {
		c.AggregateEvery = 20
	}
	if c.AggregateWindow <= 0 {
		c.AggregateWindow = 10 * time.Second
	}
	return c
}

// ChildFactory builds the handlers for a new child agent.
type ChildFactory func(childID string) (agent.Handlers, error)

// inflightDirective tracks one directive dispatched to a child until its
// terminal report is settled upward.
type inflightDirective struct {
	origin   *envelope.Envelope
	childID  string // empty while queued
	attempts int
	backoff  *backoff.ExponentialBackOff
	done     func(success bool) // breaker callback for the current dispatch
	timer    *time.Timer        // pending retry
}

// reportWindow accumulates child report statistics between flushes.
type reportWindow struct {
	start          time.Time
	count          int
	successes      int
	totalLatencyMS int64
}

// =============================================================================
// SUPERVISOR
// =============================================================================

// Supervisor owns a pool of children serving one capability. It is itself an
// agent: directives, reports, and events reach it through its mailbox, so
// all handler state transitions happen on one loop. Retry timers and the
// aggregation ticker run off-loop, hence the lock.
type Supervisor struct {
	id       string
	parentID string
	cfg      Config
	bus      *bus.Bus
	factory  ChildFactory
	logger   Logger

	runtime *agent.Runtime

	mu        sync.Mutex
	pool      *pool
	children  map[string]*agent.Runtime
	breakers  map[string]*childBreaker
	inflight  map[string]*inflightDirective // keyed by correlation id
	abandoned map[string]struct{}
	queue     []string // correlation ids of queued directives, FIFO
	childSeq  int
	window    reportWindow

	cancel context.CancelFunc
}

// New creates a supervisor. Start must be called before it receives traffic.
func New(b *bus.Bus, id, parentID string, cfg Config, factory ChildFactory, logger Logger) (*Supervisor, error) {
	if id == "" {
		return nil, fmt.Errorf("supervisor requires an id")
	}
	if cfg.Capability == "" {
		return nil, fmt.Errorf("supervisor %q requires a capability", id)
	}
	if factory == nil {
		return nil, fmt.Errorf("supervisor %q requires a child factory", id)
	}
	cfg = cfg.withDefaults()
	return &Supervisor{
		id:        id,
		parentID:  parentID,
		cfg:       cfg,
		bus:       b,
		factory:   factory,
		logger:    logger,
		pool:      newPool(cfg.PoolLimit),
		children:  make(map[string]*agent.Runtime),
		breakers:  make(map[string]*childBreaker),
		inflight:  make(map[string]*inflightDirective),
		abandoned: make(map[string]struct{}),
		window:    reportWindow{start: time.Now().UTC()},
	}, nil
}

// ID returns the supervisor's agent id.
func (s *Supervisor) ID() string { return s.id }

// Capability returns the domain this supervisor serves.
func (s *Supervisor) Capability() string { return s.cfg.Capability }

// Start registers the supervisor as a tactical agent and launches its loop
// and the aggregation ticker.
func (s *Supervisor) Start(ctx context.Context) error {
	rt, err := agent.New(s.bus, agent.Spec{
		ID:           s.id,
		Capabilities: []string{s.cfg.Capability},
		Tier:         bus.TierTactical,
	}, s.parentID, s, s.logger)
	if err != nil {
		return err
	}
	s.runtime = rt
	if err := rt.Start(ctx); err != nil {
		return err
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	recovery.SafeGo(s.logger, "aggregate_ticker:"+s.id, func() {
		ticker := time.NewTicker(s.cfg.AggregateWindow)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				s.flushWindowLocked()
				s.mu.Unlock()
			}
		}
	}, nil)
	return nil
}

// Stop halts the supervisor: children first, then its own loop.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	children := make([]*agent.Runtime, 0, len(s.children))
	for _, rt := range s.children {
		children = append(children, rt)
	}
	for _, inf := range s.inflight {
		if inf.timer != nil {
			inf.timer.Stop()
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, rt := range children {
		if err := rt.Stop(ctx, s.id); err != nil {
			errs = append(errs, err)
		}
		if err := s.bus.Unregister(rt.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	if s.runtime != nil {
		if err := s.runtime.Stop(ctx, s.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SpawnChild adds one child to the pool, registered with this supervisor as
// parent and guarded by a fresh circuit breaker.
func (s *Supervisor) SpawnChild(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.pool.full() {
		s.mu.Unlock()
		return "", NewPoolFullError(s.cfg.Capability, s.cfg.PoolLimit)
	}
	s.childSeq++
	childID := fmt.Sprintf("%s-child-%d", s.id, s.childSeq)
	s.mu.Unlock()

	handlers, err := s.factory(childID)
	if err != nil {
		return "", fmt.Errorf("child factory for %q: %w", childID, err)
	}

	rt, err := agent.New(s.bus, agent.Spec{
		ID:           childID,
		Capabilities: []string{s.cfg.Capability},
		Tier:         bus.TierExecution,
		Actions:      s.cfg.Actions,
	}, s.id, handlers, s.logger)
	if err != nil {
		return "", err
	}
	if err := rt.Start(ctx); err != nil {
		_ = s.bus.Unregister(childID)
		return "", err
	}

	s.mu.Lock()
	s.children[childID] = rt
	s.breakers[childID] = newChildBreaker(childID, s.cfg.BreakerThreshold, s.cfg.BreakerOpenTimeout, s.logger)
	s.pool.add(childID)
	s.mu.Unlock()

	s.logger.Info("child_spawned",
		"supervisor_id", s.id,
		"child_id", childID,
		"capability", s.cfg.Capability,
	)
	return childID, nil
}

// PoolSize returns the current number of children.
func (s *Supervisor) PoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.size()
}

// InFlight returns the number of children currently working a directive.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.inFlight()
}

// Abandon marks a correlation id as abandoned. A pending retry is cancelled
// and any late report for it is discarded instead of being forwarded.
func (s *Supervisor) Abandon(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inf, ok := s.inflight[correlationID]; ok {
		if inf.timer != nil {
			inf.timer.Stop()
		}
		if inf.childID != "" {
			s.pool.release(inf.childID)
		}
		delete(s.inflight, correlationID)
	}
	s.dropQueuedLocked(correlationID)
	s.abandoned[correlationID] = struct{}{}
	s.logger.Info("correlation_abandoned", "supervisor_id", s.id, "correlation_id", correlationID)
}

func (s *Supervisor) dropQueuedLocked(correlationID string) {
	for i, key := range s.queue {
		if key == correlationID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// =============================================================================
// Handlers (the supervisor is itself an agent)
// =============================================================================

var _ agent.Handlers = (*Supervisor)(nil)

// OnDirective routes one directive: control actions run locally, domain
// actions go to a child. Routing faults come back as failed terminal
// reports; successful routing defers the terminal report until the child
// settles.
func (s *Supervisor) OnDirective(ctx context.Context, env *envelope.Envelope) (*envelope.Report, error) {
	d, err := envelope.ParseDirective(env.Payload)
	if err != nil {
		return nil, agent.Failf("malformed_directive", false, "%v", err)
	}

	switch d.Action {
	case ActionExpandPool:
		return s.expandPool(ctx)
	case ActionShrinkPool:
		return s.shrinkPool(ctx)
	}

	if s.cfg.Actions != nil {
		if err := s.cfg.Actions.Check(d.Action); err != nil {
			return nil, agent.Failf("unknown_action", false, "%v", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := env.Correlation()
	if _, dup := s.inflight[key]; dup {
		observability.RecordRouteFault(CodeDuplicateCorrelation)
		return failedReport(CodeDuplicateCorrelation, fmt.Sprintf("correlation %q already in flight", key), false), nil
	}
	delete(s.abandoned, key)

	inf := &inflightDirective{origin: env}
	if target, ok := d.Params["target"].(string); ok && target != "" {
		if err := s.dispatchToTargetLocked(inf, target); err != nil {
			return routeFaultReport(err), nil
		}
		s.inflight[key] = inf
		return nil, nil
	}

	if err := s.dispatchOrQueueLocked(inf); err != nil {
		return routeFaultReport(err), nil
	}
	s.inflight[key] = inf
	return nil, nil
}

// OnReport settles a child's terminal report: breaker feedback, pool
// release, window accounting, then either a retry or the terminal report
// upward.
func (s *Supervisor) OnReport(ctx context.Context, env *envelope.Envelope) error {
	report, err := envelope.ParseReport(env.Payload)
	if err != nil {
		s.logger.Warn("unparseable_report",
			"supervisor_id", s.id,
			"envelope_id", env.ID,
			"error", err,
		)
		return nil
	}

	s.mu.Lock()
	key := env.Correlation()
	inf, ok := s.inflight[key]
	if !ok {
		_, wasAbandoned := s.abandoned[key]
		s.mu.Unlock()
		if wasAbandoned {
			s.logger.Info("late_report_discarded",
				"supervisor_id", s.id,
				"correlation_id", key,
			)
		} else {
			s.logger.Debug("unmatched_report",
				"supervisor_id", s.id,
				"correlation_id", key,
			)
		}
		return nil
	}

	if inf.done != nil {
		inf.done(report.Succeeded())
		inf.done = nil
	}
	if inf.childID != "" {
		// Clear the assignment with the release: drainQueueLocked may hand
		// this child new work immediately, and a later retry of this
		// correlation must not touch the child's busy accounting.
		s.pool.release(inf.childID)
		inf.childID = ""
	}
	s.observeLocked(report)
	s.drainQueueLocked()

	if report.Succeeded() {
		delete(s.inflight, key)
		s.mu.Unlock()
		s.settleUpward(inf.origin, report)
		return nil
	}

	// Failed report: retry locally, or escalate.
	if report.Retryable && s.cfg.RetryOwner == RetryOwnerSupervisor && inf.attempts <= s.cfg.MaxRetries {
		s.scheduleRetryLocked(key, inf)
		s.mu.Unlock()
		return nil
	}

	delete(s.inflight, key)
	exhausted := report.Retryable && s.cfg.RetryOwner == RetryOwnerSupervisor
	s.mu.Unlock()

	if exhausted {
		report = envelope.Report{
			Status:    envelope.StatusFailed,
			ErrorCode: CodeRetriesExhausted,
			Message:   fmt.Sprintf("gave up after %d attempts: %s", inf.attempts, report.Message),
			Retryable: false,
		}
	}
	s.settleUpward(inf.origin, report)
	return nil
}

// OnQuery answers status queries with a pool snapshot.
func (s *Supervisor) OnQuery(ctx context.Context, env *envelope.Envelope) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	breakerStates := make(map[string]any, len(s.breakers))
	for id, cb := range s.breakers {
		breakerStates[id] = cb.state().String()
	}
	return map[string]any{
		"capability":  s.cfg.Capability,
		"pool_size":   s.pool.size(),
		"in_flight":   s.pool.inFlight(),
		"queue_depth": len(s.queue),
		"breakers":    breakerStates,
	}, nil
}

// OnCoordinate is not used by supervisors.
func (s *Supervisor) OnCoordinate(ctx context.Context, env *envelope.Envelope) (map[string]any, error) {
	return nil, nil
}

// OnEvent reacts to health notifications about children.
func (s *Supervisor) OnEvent(ctx context.Context, env *envelope.Envelope) error {
	event, _ := env.Payload["event"].(string)
	switch event {
	case bus.UnhealthyEventKey, "agent-fatal":
		childID, _ := env.Payload["agent_id"].(string)
		if childID != "" {
			s.onChildUnhealthy(ctx, childID)
		}
	}
	return nil
}

// =============================================================================
// Routing
// =============================================================================

func (s *Supervisor) dispatchToTargetLocked(inf *inflightDirective, target string) error {
	if !s.pool.contains(target) {
		observability.RecordRouteFault(CodeUnknownChild)
		return NewUnknownChildError(target)
	}
	done, err := s.breakers[target].allow()
	if err != nil {
		observability.RecordRouteFault(CodeCircuitOpen)
		return err
	}
	return s.dispatchLocked(inf, target, done)
}

// dispatchOrQueueLocked picks an idle child whose breaker admits the
// dispatch, falling back to the overflow queue, then PoolExhausted.
func (s *Supervisor) dispatchOrQueueLocked(inf *inflightDirective) error {
	idle := s.pool.idleMembers()
	if len(idle) > 0 {
		var breakerErr error
		for _, childID := range idle {
			done, err := s.breakers[childID].allow()
			if err != nil {
				breakerErr = err
				continue
			}
			return s.dispatchLocked(inf, childID, done)
		}
		// Every idle child is behind an open circuit; fail fast rather than
		// queue work nobody will take.
		observability.RecordRouteFault(CodeCircuitOpen)
		return breakerErr
	}

	if len(s.queue) < s.cfg.QueueDepth {
		s.queue = append(s.queue, inf.origin.Correlation())
		s.logger.Debug("directive_queued",
			"supervisor_id", s.id,
			"correlation_id", inf.origin.Correlation(),
			"queue_depth", len(s.queue),
		)
		return nil
	}

	observability.RecordRouteFault(CodePoolExhausted)
	return NewPoolExhaustedError(s.cfg.Capability, len(s.queue))
}

func (s *Supervisor) dispatchLocked(inf *inflightDirective, childID string, done func(bool)) error {
	child := inf.origin.Derive(envelope.KindDirective, s.id, []string{childID}, inf.origin.Payload,
		envelope.WithPriority(inf.origin.Priority))
	if err := s.bus.Send(child); err != nil {
		done(false)
		return err
	}
	inf.childID = childID
	inf.done = done
	inf.attempts++
	s.pool.markBusy(childID)
	s.logger.Debug("directive_dispatched",
		"supervisor_id", s.id,
		"child_id", childID,
		"correlation_id", inf.origin.Correlation(),
		"attempt", inf.attempts,
	)
	return nil
}

// drainQueueLocked moves queued directives onto children freed by a report.
func (s *Supervisor) drainQueueLocked() {
	for len(s.queue) > 0 {
		key := s.queue[0]
		inf, ok := s.inflight[key]
		if !ok {
			s.queue = s.queue[1:]
			continue
		}
		idle := s.pool.idleMembers()
		dispatched := false
		for _, childID := range idle {
			done, err := s.breakers[childID].allow()
			if err != nil {
				continue
			}
			if err := s.dispatchLocked(inf, childID, done); err == nil {
				dispatched = true
				break
			}
		}
		if !dispatched {
			return
		}
		s.queue = s.queue[1:]
	}
}

// scheduleRetryLocked arms the backoff timer for one more dispatch. Delays
// double per attempt up to the configured cap.
func (s *Supervisor) scheduleRetryLocked(key string, inf *inflightDirective) {
	if inf.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.RetryBaseDelay
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxInterval = s.cfg.RetryMaxDelay
		b.MaxElapsedTime = 0
		b.Reset()
		inf.backoff = b
	}
	delay := inf.backoff.NextBackOff()
	observability.RecordRetry(s.cfg.Capability)
	s.logger.Info("retry_scheduled",
		"supervisor_id", s.id,
		"correlation_id", key,
		"attempt", inf.attempts,
		"delay", delay,
	)
	inf.timer = time.AfterFunc(delay, func() { s.retryDispatch(key) })
}

func (s *Supervisor) retryDispatch(key string) {
	s.mu.Lock()
	inf, ok := s.inflight[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	inf.timer = nil
	err := s.dispatchOrQueueLocked(inf)
	if err != nil {
		delete(s.inflight, key)
	}
	s.mu.Unlock()

	if err != nil {
		rep := routeFaultReport(err)
		s.settleUpward(inf.origin, *rep)
	}
}

// settleUpward emits the single terminal report for a directive the
// supervisor accepted.
func (s *Supervisor) settleUpward(origin *envelope.Envelope, report envelope.Report) {
	reply := origin.Reply(s.id, envelope.ReportPayload(report))
	if err := s.bus.Send(reply); err != nil {
		s.logger.Error("terminal_report_undeliverable",
			"supervisor_id", s.id,
			"correlation_id", origin.Correlation(),
			"error", err,
		)
	}
}

// =============================================================================
// Pool control and child health
// =============================================================================

func (s *Supervisor) expandPool(ctx context.Context) (*envelope.Report, error) {
	childID, err := s.SpawnChild(ctx)
	if err != nil {
		return nil, agent.Failf("spawn_failed", false, "%v", err)
	}
	return &envelope.Report{
		Status: envelope.StatusSuccess,
		Data:   map[string]any{"child_id": childID, "pool_size": s.PoolSize()},
	}, nil
}

func (s *Supervisor) shrinkPool(ctx context.Context) (*envelope.Report, error) {
	s.mu.Lock()
	var victim string
	for _, id := range s.pool.idleMembers() {
		victim = id
		break
	}
	if victim == "" {
		s.mu.Unlock()
		return nil, agent.Failf("no_idle_child", true, "every child is busy")
	}
	rt := s.children[victim]
	s.pool.remove(victim)
	delete(s.children, victim)
	delete(s.breakers, victim)
	s.mu.Unlock()

	if err := rt.Stop(ctx, s.id); err != nil {
		s.logger.Warn("child_stop_failed", "child_id", victim, "error", err)
	}
	_ = s.bus.Unregister(victim)

	return &envelope.Report{
		Status: envelope.StatusSuccess,
		Data:   map[string]any{"removed": victim, "pool_size": s.PoolSize()},
	}, nil
}

// onChildUnhealthy restarts the child in place. If the replacement cannot be
// built the pool shrinks and a capacity report goes upward.
func (s *Supervisor) onChildUnhealthy(ctx context.Context, childID string) {
	s.mu.Lock()
	rt, known := s.children[childID]
	if !known {
		s.mu.Unlock()
		return
	}
	delete(s.children, childID)
	delete(s.breakers, childID)
	s.pool.remove(childID)

	// Directives in flight on the dead child fail over to the retry path.
	var orphaned []*inflightDirective
	for _, inf := range s.inflight {
		if inf.childID == childID {
			orphaned = append(orphaned, inf)
		}
	}
	s.mu.Unlock()

	s.logger.Warn("child_unhealthy",
		"supervisor_id", s.id,
		"child_id", childID,
	)

	_ = rt.Stop(ctx, s.id)
	_ = s.bus.Unregister(childID)

	restarted := s.respawn(ctx, childID)

	for _, inf := range orphaned {
		s.failOver(inf, restarted)
	}

	if !restarted {
		s.reportCapacityReduction()
	}
}

// respawn builds a replacement child under the same id so explicit-target
// routing keeps working. Returns false when the factory or start fails.
func (s *Supervisor) respawn(ctx context.Context, childID string) bool {
	handlers, err := s.factory(childID)
	if err != nil {
		s.logger.Error("child_respawn_failed", "child_id", childID, "error", err)
		return false
	}
	rt, err := agent.New(s.bus, agent.Spec{
		ID:           childID,
		Capabilities: []string{s.cfg.Capability},
		Tier:         bus.TierExecution,
		Actions:      s.cfg.Actions,
	}, s.id, handlers, s.logger)
	if err != nil {
		s.logger.Error("child_respawn_failed", "child_id", childID, "error", err)
		return false
	}
	if err := rt.Start(ctx); err != nil {
		_ = s.bus.Unregister(childID)
		s.logger.Error("child_respawn_failed", "child_id", childID, "error", err)
		return false
	}

	s.mu.Lock()
	s.children[childID] = rt
	s.breakers[childID] = newChildBreaker(childID, s.cfg.BreakerThreshold, s.cfg.BreakerOpenTimeout, s.logger)
	s.pool.add(childID)
	s.mu.Unlock()

	s.logger.Info("child_restarted", "supervisor_id", s.id, "child_id", childID)
	return true
}

// failOver re-dispatches an orphaned directive, or settles it as a retryable
// failure when nothing can take it.
func (s *Supervisor) failOver(inf *inflightDirective, restarted bool) {
	key := inf.origin.Correlation()
	s.mu.Lock()
	if _, still := s.inflight[key]; !still {
		s.mu.Unlock()
		return
	}
	inf.childID = ""
	inf.done = nil
	var err error
	if restarted {
		err = s.dispatchOrQueueLocked(inf)
	} else {
		err = NewPoolExhaustedError(s.cfg.Capability, len(s.queue))
	}
	if err != nil {
		delete(s.inflight, key)
	}
	s.mu.Unlock()

	if err != nil {
		s.settleUpward(inf.origin, envelope.Report{
			Status:    envelope.StatusFailed,
			ErrorCode: CodeChildUnhealthy,
			Message:   "child died while working the directive",
			Retryable: true,
		})
	}
}

func (s *Supervisor) reportCapacityReduction() {
	if s.parentID == "" {
		return
	}
	s.mu.Lock()
	size := s.pool.size()
	s.mu.Unlock()

	env := envelope.New(envelope.KindReport, s.id, []string{s.parentID}, map[string]any{
		"event":      "capacity-reduced",
		"capability": s.cfg.Capability,
		"pool_size":  size,
	}, envelope.WithPriority(8))
	if err := s.bus.Send(env); err != nil {
		s.logger.Error("capacity_report_undeliverable", "supervisor_id", s.id, "error", err)
	}
}

// =============================================================================
// Aggregation
// =============================================================================

func (s *Supervisor) observeLocked(report envelope.Report) {
	s.window.count++
	if report.Succeeded() {
		s.window.successes++
	}
	s.window.totalLatencyMS += report.LatencyMS
	if s.window.count >= s.cfg.AggregateEvery {
		s.flushWindowLocked()
	}
}

// flushWindowLocked emits the windowed summary upward and resets the window.
// Child reports are never forwarded 1:1; the coordinator sees these
// aggregates plus the per-directive terminal reports it asked for.
func (s *Supervisor) flushWindowLocked() {
	if s.window.count == 0 || s.parentID == "" {
		s.window.start = time.Now().UTC()
		return
	}
	w := s.window
	now := time.Now().UTC()
	s.window = reportWindow{start: now}

	successRate := float64(w.successes) / float64(w.count)
	avgLatency := w.totalLatencyMS / int64(w.count)

	env := envelope.New(envelope.KindReport, s.id, []string{s.parentID}, map[string]any{
		"aggregate":      true,
		"supervisor_id":  s.id,
		"capability":     s.cfg.Capability,
		"window_start":   w.start.Format(time.RFC3339Nano),
		"window_end":     now.Format(time.RFC3339Nano),
		"count":          w.count,
		"success_rate":   successRate,
		"avg_latency_ms": avgLatency,
		"queue_depth":    len(s.queue),
	})
	if err := s.bus.Send(env); err != nil {
		s.logger.Error("aggregate_undeliverable", "supervisor_id", s.id, "error", err)
	}
	observability.RecordAggregateFlush(s.id)
}

// =============================================================================
// Helpers
// =============================================================================

func failedReport(code, message string, retryable bool) *envelope.Report {
	return &envelope.Report{
		Status:    envelope.StatusFailed,
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
	}
}

// routeFaultReport maps a routing error to its failed terminal report.
func routeFaultReport(err error) *envelope.Report {
	var exhausted *PoolExhaustedError
	if errors.As(err, &exhausted) {
		return failedReport(CodePoolExhausted, err.Error(), true)
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return failedReport(CodeCircuitOpen, err.Error(), true)
	}
	var unknown *UnknownChildError
	if errors.As(err, &unknown) {
		return failedReport(CodeUnknownChild, err.Error(), false)
	}
	return failedReport("route_failed", err.Error(), true)
}
