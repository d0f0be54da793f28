package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mycelium-cortex/cortex-core/bus"
	"github.com/mycelium-cortex/cortex-core/envelope"
	"github.com/mycelium-cortex/cortex-core/observability"
	"github.com/mycelium-cortex/cortex-core/recovery"
)

// Logger is the minimal logging interface used by the runtime.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DefaultHeartbeatInterval is used when a spec does not set one.
const DefaultHeartbeatInterval = 1 * time.Second

// Spec declares an agent to the runtime and the registry.
type Spec struct {
	ID           string
	Capabilities []string
	Tier         bus.Tier
	// Actions is the closed action set this agent accepts. Nil means the
	// handler sees every directive unfiltered.
	Actions           *envelope.ActionSet
	HeartbeatInterval time.Duration
}

// =============================================================================
// Runtime
// =============================================================================

// Runtime drives one agent: it owns the mailbox loop, the lifecycle state
// machine, heartbeats, and terminal report emission. Handlers supplied by
// the domain run strictly sequentially; the runtime never processes two
// envelopes concurrently.
type Runtime struct {
	spec     Spec
	parentID string
	bus      *bus.Bus
	handlers Handlers
	handle   *bus.Handle
	logger   Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	done   chan struct{}
}

// New registers the agent on the bus and returns its runtime in Created
// state. The parentID names the owning agent; the registry's health monitor
// notifies it when this agent goes silent.
func New(b *bus.Bus, spec Spec, parentID string, handlers Handlers, logger Logger) (*Runtime, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("agent spec requires an id")
	}
	if handlers == nil {
		return nil, fmt.Errorf("agent %q requires handlers", spec.ID)
	}
	if spec.HeartbeatInterval <= 0 {
		spec.HeartbeatInterval = DefaultHeartbeatInterval
	}

	handle, err := b.Register(bus.Identity{
		ID:           spec.ID,
		Capabilities: spec.Capabilities,
		Tier:         spec.Tier,
	}, parentID)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		spec:     spec,
		parentID: parentID,
		bus:      b,
		handlers: handlers,
		handle:   handle,
		logger:   logger,
		tracer:   otel.Tracer("cortex-core/agent"),
		state:    StateCreated,
	}, nil
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.spec.ID }

// ParentID returns the owning agent's id, empty when unowned.
func (r *Runtime) ParentID() string { return r.parentID }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MailboxDepth returns the number of queued envelopes.
func (r *Runtime) MailboxDepth() int { return r.handle.Mailbox.Len() }

// transition moves the state machine, records the new state in the registry,
// and logs the edge.
func (r *Runtime) transition(to State) error {
	r.mu.Lock()
	from := r.state
	if !IsValidTransition(from, to) {
		r.mu.Unlock()
		return NewInvalidTransitionError(r.spec.ID, from, to)
	}
	r.state = to
	r.mu.Unlock()

	r.logger.Info("state_transition",
		"agent_id", r.spec.ID,
		"from", from,
		"to", to,
	)
	_ = r.bus.Heartbeat(r.spec.ID, string(to))
	return nil
}

// Start runs one-time setup and launches the mailbox loop. Init failure
// lands the agent in Stopped and is returned to the caller.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.transition(StateInitializing); err != nil {
		return err
	}

	if init, ok := r.handlers.(Initializer); ok {
		if err := recovery.SafeExecute(r.logger, "agent_init", func() error {
			return init.Init(ctx)
		}); err != nil {
			_ = r.transition(StateStopped)
			return fmt.Errorf("agent %q init: %w", r.spec.ID, err)
		}
	}

	if err := r.transition(StateRunning); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	recovery.SafeGo(r.logger, "agent_loop:"+r.spec.ID, func() {
		defer close(r.done)
		r.loop(loopCtx)
	}, func(any) {
		_ = r.transition(StateStopped)
	})

	recovery.SafeGo(r.logger, "agent_heartbeat:"+r.spec.ID, func() {
		r.heartbeatLoop(loopCtx)
	}, nil)

	return nil
}

// Stop forces the agent to Stopped: the loop halts, remaining mail is
// dead-lettered with reason AgentStopped, and the Close hook runs. Only the
// owning agent (or the agent itself) may call it.
func (r *Runtime) Stop(ctx context.Context, callerID string) error {
	if r.parentID != "" && callerID != r.parentID && callerID != r.spec.ID {
		return NewNotOwnerError(r.spec.ID, callerID)
	}

	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	drained := r.handle.Mailbox.Close()
	for _, env := range drained {
		r.bus.Discard(env, r.spec.ID, bus.ReasonAgentStopped)
	}
	if len(drained) > 0 {
		r.logger.Info("mailbox_drained",
			"agent_id", r.spec.ID,
			"dead_lettered", len(drained),
		)
	}

	if closer, ok := r.handlers.(Closer); ok {
		_ = recovery.SafeExecute(r.logger, "agent_close", func() error {
			return closer.Close(ctx)
		})
	}

	// The loop may already have forced Stopped on a fatal error.
	if err := r.transition(StateStopped); err == nil {
		r.logger.Info("agent_stopped", "agent_id", r.spec.ID, "caller_id", callerID)
	}
	return nil
}

// =============================================================================
// Mailbox Loop
// =============================================================================

func (r *Runtime) loop(ctx context.Context) {
	for {
		env, err := r.handle.Mailbox.Dequeue(ctx)
		if err != nil {
			return
		}

		if env.Expired(time.Now().UTC()) {
			r.bus.Discard(env, r.spec.ID, bus.ReasonExpired)
			r.logger.Warn("envelope_expired_in_mailbox",
				"agent_id", r.spec.ID,
				"envelope_id", env.ID,
			)
			continue
		}

		r.dispatch(ctx, env)
		_ = r.bus.Heartbeat(r.spec.ID, string(r.State()))

		if r.State() == StateStopped {
			return
		}
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.spec.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.bus.Heartbeat(r.spec.ID, string(r.State()))
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, env *envelope.Envelope) {
	ctx, span := r.tracer.Start(ctx, "agent.handle",
		trace.WithAttributes(
			attribute.String("agent.id", r.spec.ID),
			attribute.String("envelope.id", env.ID),
			attribute.String("envelope.kind", string(env.Kind)),
		))
	defer span.End()

	start := time.Now()
	status := "success"

	switch env.Kind {
	case envelope.KindDirective:
		if !r.handleDirective(ctx, env) {
			status = "error"
		}
	case envelope.KindReport:
		if err := r.safely("on_report", func() error {
			return r.handlers.OnReport(ctx, env)
		}); err != nil {
			status = "error"
			r.onHandlerError(env, err, false)
		}
	case envelope.KindQuery:
		if !r.handleQuery(ctx, env) {
			status = "error"
		}
	case envelope.KindCoordinate:
		if !r.handleCoordinate(ctx, env) {
			status = "error"
		}
	case envelope.KindEvent:
		if err := r.safely("on_event", func() error {
			return r.handlers.OnEvent(ctx, env)
		}); err != nil {
			status = "error"
			r.onHandlerError(env, err, false)
		}
	default:
		status = "error"
		r.logger.Warn("unknown_envelope_kind",
			"agent_id", r.spec.ID,
			"envelope_id", env.ID,
			"kind", env.Kind,
		)
	}

	observability.RecordHandled(r.spec.ID, string(env.Kind), status, time.Since(start).Milliseconds())
}

// safely invokes fn, converting a panic into a FatalError.
func (r *Runtime) safely(operation string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler_panic",
				"agent_id", r.spec.ID,
				"operation", operation,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = Fatal(fmt.Errorf("panic in %s: %v", operation, rec))
		}
	}()
	return fn()
}

// handleDirective dispatches one directive and guarantees exactly one
// terminal report unless the handler took ownership of reporting. Returns
// false when the directive failed.
func (r *Runtime) handleDirective(ctx context.Context, env *envelope.Envelope) bool {
	if r.spec.Actions != nil {
		d, err := envelope.ParseDirective(env.Payload)
		if err != nil {
			r.sendTerminalReport(env, envelope.Report{
				Status:    envelope.StatusFailed,
				ErrorCode: "malformed_directive",
				Message:   err.Error(),
			})
			return false
		}
		if err := r.spec.Actions.Check(d.Action); err != nil {
			// Rejected at the boundary; the handler never runs.
			r.sendTerminalReport(env, envelope.Report{
				Status:    envelope.StatusFailed,
				ErrorCode: "unknown_action",
				Message:   err.Error(),
			})
			return false
		}
	}

	var report *envelope.Report
	err := r.safely("on_directive", func() error {
		var herr error
		report, herr = r.handlers.OnDirective(ctx, env)
		return herr
	})

	switch {
	case err == nil && report != nil:
		r.sendTerminalReport(env, *report)
		if report.Succeeded() {
			r.markRecovered()
			return true
		}
		r.markDegraded()
		return false

	case err == nil:
		// Handler took ownership of the terminal report.
		return true

	default:
		r.onHandlerError(env, err, true)
		return false
	}
}

func (r *Runtime) handleQuery(ctx context.Context, env *envelope.Envelope) bool {
	start := time.Now()
	var data map[string]any
	err := r.safely("on_query", func() error {
		var herr error
		data, herr = r.handlers.OnQuery(ctx, env)
		return herr
	})

	var payload map[string]any
	ok := err == nil
	if ok {
		payload = envelope.SuccessReport(data, time.Since(start).Milliseconds())
	} else {
		code, msg, retryable := errorFields(err)
		payload = envelope.FailureReport(code, msg, retryable)
	}

	// Query responses correlate on the query's own id.
	reply := env.Derive(envelope.KindReport, r.spec.ID, []string{env.SenderID}, payload,
		envelope.WithCorrelation(env.ID))
	if sendErr := r.bus.Send(reply); sendErr != nil {
		r.logger.Error("query_reply_undeliverable",
			"agent_id", r.spec.ID,
			"query_id", env.ID,
			"error", sendErr,
		)
	}

	if !ok {
		r.onHandlerError(env, err, false)
	}
	return ok
}

func (r *Runtime) handleCoordinate(ctx context.Context, env *envelope.Envelope) bool {
	var data map[string]any
	err := r.safely("on_coordinate", func() error {
		var herr error
		data, herr = r.handlers.OnCoordinate(ctx, env)
		return herr
	})
	if err != nil {
		r.onHandlerError(env, err, false)
		return false
	}

	if data != nil && env.RequiresResponse {
		reply := env.Derive(envelope.KindCoordinate, r.spec.ID, []string{env.SenderID}, data,
			envelope.WithCorrelation(env.ID))
		if sendErr := r.bus.Send(reply); sendErr != nil {
			r.logger.Error("coordinate_reply_undeliverable",
				"agent_id", r.spec.ID,
				"envelope_id", env.ID,
				"error", sendErr,
			)
		}
	}
	return true
}

// onHandlerError applies the failure taxonomy: a FatalError stops the agent,
// anything else degrades it. When report is true a failed terminal report is
// emitted for the envelope.
func (r *Runtime) onHandlerError(env *envelope.Envelope, err error, report bool) {
	code, msg, retryable := errorFields(err)

	if report {
		r.sendTerminalReport(env, envelope.Report{
			Status:    envelope.StatusFailed,
			ErrorCode: code,
			Message:   msg,
			Retryable: retryable,
		})
	}

	r.bus.MarkFailure(r.spec.ID)

	if isFatal(err) {
		r.logger.Error("agent_fatal",
			"agent_id", r.spec.ID,
			"envelope_id", env.ID,
			"error", msg,
		)
		_ = r.transition(StateStopped)
		if r.parentID != "" {
			alert := envelope.NewEvent(r.spec.ID, []string{r.parentID}, map[string]any{
				"event":    "agent-fatal",
				"agent_id": r.spec.ID,
				"error":    msg,
			}, envelope.WithPriority(9))
			_ = r.bus.Send(alert)
		}
		if r.cancel != nil {
			r.cancel()
		}
		return
	}

	r.logger.Warn("handler_failed",
		"agent_id", r.spec.ID,
		"envelope_id", env.ID,
		"error_code", code,
		"retryable", retryable,
	)
	r.markDegraded()
}

func (r *Runtime) sendTerminalReport(origin *envelope.Envelope, report envelope.Report) {
	reply := origin.Reply(r.spec.ID, envelope.ReportPayload(report))
	if err := r.bus.Send(reply); err != nil {
		r.logger.Error("terminal_report_undeliverable",
			"agent_id", r.spec.ID,
			"directive_id", origin.ID,
			"correlation_id", origin.Correlation(),
			"error", err,
		)
	}
}

func (r *Runtime) markDegraded() {
	r.mu.Lock()
	degrade := r.state == StateRunning
	r.mu.Unlock()
	if degrade {
		_ = r.transition(StateDegraded)
	}
}

func (r *Runtime) markRecovered() {
	r.mu.Lock()
	recovered := r.state == StateDegraded
	r.mu.Unlock()
	if recovered {
		_ = r.transition(StateRunning)
	}
}

func isFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// errorFields extracts the report fields from a handler error.
func errorFields(err error) (code, msg string, retryable bool) {
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr.Code, herr.Message, herr.Retryable
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return "fatal", fatal.Error(), false
	}
	return "internal", err.Error(), false
}
