package coordinator

import "fmt"

// =============================================================================
// ERRORS
// =============================================================================

// Failure codes carried by failed goal reports.
const (
	CodeNoCapableSupervisor = "no_capable_supervisor"
	CodeRateLimited         = "rate_limited"
	CodeDecomposeFailed     = "decompose_failed"
)

// NoCapableSupervisorError indicates a domain directive for a capability no
// registered supervisor advertises.
type NoCapableSupervisorError struct {
	Capability string
}

func (e *NoCapableSupervisorError) Error() string {
	return fmt.Sprintf("no supervisor advertises capability %q", e.Capability)
}

// NewNoCapableSupervisorError creates a NoCapableSupervisorError.
func NewNoCapableSupervisorError(capability string) *NoCapableSupervisorError {
	return &NoCapableSupervisorError{Capability: capability}
}

// DuplicateDomainError indicates a second supervisor registered for a
// capability that already has one.
type DuplicateDomainError struct {
	Capability   string
	SupervisorID string
}

func (e *DuplicateDomainError) Error() string {
	return fmt.Sprintf("capability %q is already served by %q", e.Capability, e.SupervisorID)
}

// NewDuplicateDomainError creates a DuplicateDomainError.
func NewDuplicateDomainError(capability, supervisorID string) *DuplicateDomainError {
	return &DuplicateDomainError{Capability: capability, SupervisorID: supervisorID}
}

// NoRouteError indicates a goal action a RouteDecomposer has no mapping for.
type NoRouteError struct {
	Action string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route for goal action %q", e.Action)
}

// NewNoRouteError creates a NoRouteError.
func NewNoRouteError(action string) *NoRouteError {
	return &NoRouteError{Action: action}
}
