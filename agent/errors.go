package agent

import "fmt"

// =============================================================================
// ERRORS
// =============================================================================

// HandlerError is a failure a handler reports without taking its agent down.
// The runtime turns it into a failed terminal report; Retryable tells the
// owning supervisor whether re-dispatch may help.
type HandlerError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Failf builds a HandlerError.
func Failf(code string, retryable bool, format string, args ...any) *HandlerError {
	return &HandlerError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// FatalError marks a failure the agent cannot recover from. The runtime
// emits a failed terminal report and transitions the agent to Stopped.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(err error) *FatalError {
	return &FatalError{Err: err}
}

// InvalidTransitionError indicates a lifecycle transition outside the state
// machine.
type InvalidTransitionError struct {
	AgentID string
	From    State
	To      State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("agent %q cannot transition from %s to %s", e.AgentID, e.From, e.To)
}

// NewInvalidTransitionError creates an InvalidTransitionError.
func NewInvalidTransitionError(agentID string, from, to State) *InvalidTransitionError {
	return &InvalidTransitionError{AgentID: agentID, From: from, To: to}
}

// NotOwnerError indicates a forced stop attempted by an agent that does not
// own the target.
type NotOwnerError struct {
	AgentID  string
	CallerID string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("agent %q may not stop %q: not its owner", e.CallerID, e.AgentID)
}

// NewNotOwnerError creates a NotOwnerError.
func NewNotOwnerError(agentID, callerID string) *NotOwnerError {
	return &NotOwnerError{AgentID: agentID, CallerID: callerID}
}
