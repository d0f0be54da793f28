package supervisor

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mycelium-cortex/cortex-core/observability"
)

// childBreaker isolates one child behind a circuit breaker. Dispatch and
// outcome are decoupled: allow() reserves a slot and returns the done
// callback the supervisor invokes when the child's report arrives.
type childBreaker struct {
	childID string
	cb      *gobreaker.TwoStepCircuitBreaker[any]
}

func newChildBreaker(childID string, threshold uint32, openTimeout time.Duration, logger Logger) *childBreaker {
	settings := gobreaker.Settings{
		Name: childID,
		// A single probe dispatch while half-open.
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordBreakerTransition(name, to.String())
			logger.Warn("breaker_state_change",
				"child_id", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &childBreaker{
		childID: childID,
		cb:      gobreaker.NewTwoStepCircuitBreaker[any](settings),
	}
}

// errChildFailure feeds a failed child report into the breaker's callback,
// which counts any non-nil error as a failure.
var errChildFailure = errors.New("child reported failure")

// allow reserves a dispatch slot. When the circuit rejects the dispatch a
// CircuitOpenError is returned and the child must not be invoked.
func (b *childBreaker) allow() (done func(success bool), err error) {
	report, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewCircuitOpenError(b.childID)
		}
		return nil, err
	}
	return func(success bool) {
		if success {
			report(true)
			return
		}
		report(false)
	}, nil
}

func (b *childBreaker) state() gobreaker.State { return b.cb.State() }
