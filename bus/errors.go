package bus

import "fmt"

// =============================================================================
// ERRORS
// =============================================================================

// DuplicateIdentityError indicates a registration attempt with an id that is
// already registered.
type DuplicateIdentityError struct {
	AgentID string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("agent %q is already registered", e.AgentID)
}

// NewDuplicateIdentityError creates a DuplicateIdentityError.
func NewDuplicateIdentityError(agentID string) *DuplicateIdentityError {
	return &DuplicateIdentityError{AgentID: agentID}
}

// UnknownRecipientError indicates an envelope addressed to an id that is not
// registered.
type UnknownRecipientError struct {
	AgentID string
}

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("unknown recipient %q", e.AgentID)
}

// NewUnknownRecipientError creates an UnknownRecipientError.
func NewUnknownRecipientError(agentID string) *UnknownRecipientError {
	return &UnknownRecipientError{AgentID: agentID}
}

// MailboxFullError indicates a recipient mailbox at capacity. This is the
// backpressure fault surfaced to senders.
type MailboxFullError struct {
	AgentID  string
	Capacity int
}

func (e *MailboxFullError) Error() string {
	return fmt.Sprintf("mailbox of %q is full (capacity %d)", e.AgentID, e.Capacity)
}

// NewMailboxFullError creates a MailboxFullError.
func NewMailboxFullError(agentID string, capacity int) *MailboxFullError {
	return &MailboxFullError{AgentID: agentID, Capacity: capacity}
}

// MailboxClosedError indicates an operation on a sealed mailbox.
type MailboxClosedError struct {
	AgentID string
}

func (e *MailboxClosedError) Error() string {
	return fmt.Sprintf("mailbox of %q is closed", e.AgentID)
}

// NewMailboxClosedError creates a MailboxClosedError.
func NewMailboxClosedError(agentID string) *MailboxClosedError {
	return &MailboxClosedError{AgentID: agentID}
}

// EnvelopeExpiredError indicates a send attempted after the envelope's TTL
// elapsed. The envelope has been dead-lettered with reason Expired.
type EnvelopeExpiredError struct {
	EnvelopeID string
}

func (e *EnvelopeExpiredError) Error() string {
	return fmt.Sprintf("envelope %q expired before delivery", e.EnvelopeID)
}

// NewEnvelopeExpiredError creates an EnvelopeExpiredError.
func NewEnvelopeExpiredError(envelopeID string) *EnvelopeExpiredError {
	return &EnvelopeExpiredError{EnvelopeID: envelopeID}
}
