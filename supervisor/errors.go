package supervisor

import "fmt"

// =============================================================================
// ERRORS
// =============================================================================

// Routing fault codes carried by failed terminal reports.
const (
	CodePoolExhausted        = "pool_exhausted"
	CodeCircuitOpen          = "circuit_open"
	CodeUnknownChild         = "unknown_child"
	CodeDuplicateCorrelation = "duplicate_correlation"
	CodeChildUnhealthy       = "child_unhealthy"
	CodeRetriesExhausted     = "retries_exhausted"
)

// PoolExhaustedError indicates no idle child and a full overflow queue.
type PoolExhaustedError struct {
	Capability string
	QueueDepth int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("capability %q pool exhausted (queue depth %d)", e.Capability, e.QueueDepth)
}

// NewPoolExhaustedError creates a PoolExhaustedError.
func NewPoolExhaustedError(capability string, queueDepth int) *PoolExhaustedError {
	return &PoolExhaustedError{Capability: capability, QueueDepth: queueDepth}
}

// CircuitOpenError indicates a dispatch rejected by a child's circuit
// breaker. The child was not invoked.
type CircuitOpenError struct {
	ChildID string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for child %q", e.ChildID)
}

// NewCircuitOpenError creates a CircuitOpenError.
func NewCircuitOpenError(childID string) *CircuitOpenError {
	return &CircuitOpenError{ChildID: childID}
}

// UnknownChildError indicates an explicit target outside the pool.
type UnknownChildError struct {
	ChildID string
}

func (e *UnknownChildError) Error() string {
	return fmt.Sprintf("child %q is not a pool member", e.ChildID)
}

// NewUnknownChildError creates an UnknownChildError.
func NewUnknownChildError(childID string) *UnknownChildError {
	return &UnknownChildError{ChildID: childID}
}

// PoolFullError indicates a spawn attempt beyond the pool limit.
type PoolFullError struct {
	Capability string
	Limit      int
}

func (e *PoolFullError) Error() string {
	return fmt.Sprintf("capability %q pool is at its limit of %d", e.Capability, e.Limit)
}

// NewPoolFullError creates a PoolFullError.
func NewPoolFullError(capability string, limit int) *PoolFullError {
	return &PoolFullError{Capability: capability, Limit: limit}
}
