package envelope

import "fmt"

// ============================================================================
// ERRORS
// ============================================================================

// InvalidEnvelopeError indicates an envelope that violates a structural
// invariant (missing fields, out-of-range priority, negative TTL).
type InvalidEnvelopeError struct {
	EnvelopeID string
	Reason     string
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("invalid envelope %q: %s", e.EnvelopeID, e.Reason)
}

// NewInvalidEnvelopeError creates an InvalidEnvelopeError.
func NewInvalidEnvelopeError(envelopeID, reason string) *InvalidEnvelopeError {
	return &InvalidEnvelopeError{EnvelopeID: envelopeID, Reason: reason}
}

// UnknownKindError indicates an envelope kind outside the closed kind set.
type UnknownKindError struct {
	EnvelopeID string
	Kind       string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("envelope %q has unknown kind %q", e.EnvelopeID, e.Kind)
}

// NewUnknownKindError creates an UnknownKindError.
func NewUnknownKindError(envelopeID, kind string) *UnknownKindError {
	return &UnknownKindError{EnvelopeID: envelopeID, Kind: kind}
}

// MalformedPayloadError indicates a payload that cannot be parsed into its
// typed view.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Reason
}

// NewMalformedPayloadError creates a MalformedPayloadError.
func NewMalformedPayloadError(reason string) *MalformedPayloadError {
	return &MalformedPayloadError{Reason: reason}
}

// UnknownActionError indicates a directive action outside a capability's
// closed action set.
type UnknownActionError struct {
	Capability string
	Action     string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("capability %q does not define action %q", e.Capability, e.Action)
}

// NewUnknownActionError creates an UnknownActionError.
func NewUnknownActionError(capability, action string) *UnknownActionError {
	return &UnknownActionError{Capability: capability, Action: action}
}

// EmptyActionSetError indicates an action set constructed with no members.
type EmptyActionSetError struct {
	Capability string
}

func (e *EmptyActionSetError) Error() string {
	return fmt.Sprintf("capability %q declares no actions", e.Capability)
}

// NewEmptyActionSetError creates an EmptyActionSetError.
func NewEmptyActionSetError(capability string) *EmptyActionSetError {
	return &EmptyActionSetError{Capability: capability}
}
