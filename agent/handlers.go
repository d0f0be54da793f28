package agent

import (
	"context"
	"time"

	"github.com/mycelium-cortex/cortex-core/envelope"
)

// =============================================================================
// Handler Contracts
// =============================================================================

// Handlers is the per-kind dispatch table an agent implements. The runtime
// calls exactly one handler per envelope, strictly sequentially.
//
// OnDirective may resolve in three ways:
//   - return a report: the runtime emits it as the terminal report
//   - return (nil, nil): the handler has taken ownership of emitting the
//     terminal report later (supervisors routing to children do this)
//   - return an error: the runtime emits a failed terminal report built
//     from the error
//
// Whatever the path, a directive produces exactly one terminal report
// carrying the originating correlation id.
type Handlers interface {
	OnDirective(ctx context.Context, env *envelope.Envelope) (*envelope.Report, error)
	OnReport(ctx context.Context, env *envelope.Envelope) error
	OnQuery(ctx context.Context, env *envelope.Envelope) (map[string]any, error)
	OnCoordinate(ctx context.Context, env *envelope.Envelope) (map[string]any, error)
	OnEvent(ctx context.Context, env *envelope.Envelope) error
}

// Initializer is implemented by handlers needing one-time setup. The runtime
// calls Init during the Initializing state; an error lands the agent in
// Stopped without ever reaching Running.
type Initializer interface {
	Init(ctx context.Context) error
}

// Closer is implemented by handlers holding resources. The runtime calls
// Close once during shutdown, after the loop has drained.
type Closer interface {
	Close(ctx context.Context) error
}

// Base provides no-op implementations of every handler so domain agents can
// embed it and override only the kinds they care about.
type Base struct{}

// OnDirective rejects the directive; agents that accept work override this.
func (Base) OnDirective(context.Context, *envelope.Envelope) (*envelope.Report, error) {
	return nil, Failf("unsupported_kind", false, "agent does not accept directives")
}

// OnReport ignores the report.
func (Base) OnReport(context.Context, *envelope.Envelope) error { return nil }

// OnQuery rejects the query.
func (Base) OnQuery(context.Context, *envelope.Envelope) (map[string]any, error) {
	return nil, Failf("unsupported_kind", false, "agent does not accept queries")
}

// OnCoordinate ignores the message.
func (Base) OnCoordinate(context.Context, *envelope.Envelope) (map[string]any, error) {
	return nil, nil
}

// OnEvent ignores the event.
func (Base) OnEvent(context.Context, *envelope.Envelope) error { return nil }

var _ Handlers = (*Base)(nil)

// =============================================================================
// Worker Adapter
// =============================================================================

// Worker is the simplified contract for leaf execution agents: one action in,
// one result out. The adapter takes care of payload parsing, latency
// measurement, and report construction.
type Worker interface {
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, action string, params map[string]any) (map[string]any, error)

// Execute calls the function.
func (f WorkerFunc) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	return f(ctx, action, params)
}

// workerHandlers lifts a Worker into the full Handlers contract.
type workerHandlers struct {
	Base
	worker Worker
}

// WrapWorker builds Handlers from a Worker.
func WrapWorker(w Worker) Handlers {
	return &workerHandlers{worker: w}
}

func (h *workerHandlers) OnDirective(ctx context.Context, env *envelope.Envelope) (*envelope.Report, error) {
	d, err := envelope.ParseDirective(env.Payload)
	if err != nil {
		return nil, Failf("malformed_directive", false, "%v", err)
	}

	start := time.Now()
	data, err := h.worker.Execute(ctx, d.Action, d.Params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}
	return &envelope.Report{
		Status:    envelope.StatusSuccess,
		Data:      data,
		LatencyMS: latency,
	}, nil
}
