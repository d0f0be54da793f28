// Package envelope defines the message contract shared by every tier of the
// orchestration hierarchy. An Envelope is the only thing that moves between
// agents: directives flow down, reports flow up, queries and coordination
// messages flow sideways, events fan out.
//
// Envelopes are immutable once handed to the bus. Anything derived from an
// existing envelope (a reply, a retry, a forwarded directive) gets a fresh
// id and carries the originating correlation id so that an entire goal can
// be traced end to end.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// KINDS AND PRIORITIES
// ============================================================================

// Kind classifies an envelope by intent.
type Kind string

const (
	// KindDirective is a command flowing down the hierarchy.
	KindDirective Kind = "directive"
	// KindReport is a result or status flowing up the hierarchy.
	KindReport Kind = "report"
	// KindQuery is a read-only request expecting a correlated response.
	KindQuery Kind = "query"
	// KindCoordinate is peer-to-peer negotiation between agents.
	KindCoordinate Kind = "coordinate"
	// KindEvent is a fire-and-forget notification.
	KindEvent Kind = "event"
)

// knownKinds is the closed set of envelope kinds accepted by Validate.
var knownKinds = map[Kind]bool{
	KindDirective:  true,
	KindReport:     true,
	KindQuery:      true,
	KindCoordinate: true,
	KindEvent:      true,
}

// Priority bounds. Higher values are more urgent.
const (
	PriorityMin     = 0
	PriorityDefault = 5
	PriorityMax     = 10
)

// ============================================================================
// ENVELOPE
// ============================================================================

// Envelope is the unit of communication between agents. The JSON field names
// form the wire contract used verbatim by the remote bridge.
type Envelope struct {
	ID               string         `json:"id"`
	SenderID         string         `json:"sender_id"`
	Recipients       []string       `json:"recipients"`
	Kind             Kind           `json:"kind"`
	Payload          map[string]any `json:"payload"`
	CreatedAt        time.Time      `json:"created_at"`
	Priority         int            `json:"priority"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	TTL              time.Duration  `json:"ttl,omitempty"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
}

// Option customizes envelope construction.
type Option func(*Envelope)

// WithPriority sets the urgency of the envelope (0 lowest, 10 highest).
func WithPriority(p int) Option {
	return func(e *Envelope) { e.Priority = p }
}

// WithCorrelation threads an existing correlation id through the envelope.
func WithCorrelation(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithTTL bounds how long the envelope stays deliverable after creation.
func WithTTL(ttl time.Duration) Option {
	return func(e *Envelope) { e.TTL = ttl }
}

// WithRequiresResponse marks the envelope as expecting a correlated reply.
func WithRequiresResponse() Option {
	return func(e *Envelope) { e.RequiresResponse = true }
}

// New creates an envelope with a fresh id and the default priority.
//
// Usage:
//
//	env := envelope.New(envelope.KindDirective, "coordinator", []string{"tool-sup"},
//	    envelope.DirectivePayload("fetch", map[string]any{"url": u}),
//	    envelope.WithPriority(8))
func New(kind Kind, senderID string, recipients []string, payload map[string]any, opts ...Option) *Envelope {
	e := &Envelope{
		ID:         newID(),
		SenderID:   senderID,
		Recipients: recipients,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		Priority:   PriorityDefault,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewDirective creates a directive envelope addressed to a single recipient.
func NewDirective(senderID, recipientID, action string, params map[string]any, opts ...Option) *Envelope {
	return New(KindDirective, senderID, []string{recipientID}, DirectivePayload(action, params), opts...)
}

// NewEvent creates a fire-and-forget event envelope.
func NewEvent(senderID string, recipients []string, payload map[string]any, opts ...Option) *Envelope {
	return New(KindEvent, senderID, recipients, payload, opts...)
}

// NewQuery creates a query envelope expecting a correlated response.
func NewQuery(senderID, recipientID string, payload map[string]any, opts ...Option) *Envelope {
	e := New(KindQuery, senderID, []string{recipientID}, payload, opts...)
	e.RequiresResponse = true
	return e
}

func newID() string {
	return "msg_" + uuid.New().String()[:16]
}

// Validate checks the structural invariants of the envelope.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return NewInvalidEnvelopeError("", "missing id")
	}
	if e.SenderID == "" {
		return NewInvalidEnvelopeError(e.ID, "missing sender_id")
	}
	if len(e.Recipients) == 0 {
		return NewInvalidEnvelopeError(e.ID, "no recipients")
	}
	if !knownKinds[e.Kind] {
		return NewUnknownKindError(e.ID, string(e.Kind))
	}
	if e.Priority < PriorityMin || e.Priority > PriorityMax {
		return NewInvalidEnvelopeError(e.ID, "priority out of range")
	}
	if e.TTL < 0 {
		return NewInvalidEnvelopeError(e.ID, "negative ttl")
	}
	return nil
}

// Expired reports whether the envelope's TTL has elapsed at the given time.
// A zero TTL never expires.
func (e *Envelope) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(e.TTL))
}

// Correlation returns the id that ties this envelope to its originating
// request: the explicit correlation id when set, otherwise the envelope's
// own id.
func (e *Envelope) Correlation() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.ID
}

// Derive creates a new envelope of the given kind that carries this
// envelope's correlation chain. The derived envelope gets a fresh id, the
// current time, and the default priority unless overridden.
func (e *Envelope) Derive(kind Kind, senderID string, recipients []string, payload map[string]any, opts ...Option) *Envelope {
	d := New(kind, senderID, recipients, payload, opts...)
	if d.CorrelationID == "" {
		d.CorrelationID = e.Correlation()
	}
	return d
}

// Reply creates a report envelope addressed back to this envelope's sender,
// correlated so the sender can match it to the originating request.
func (e *Envelope) Reply(senderID string, payload map[string]any, opts ...Option) *Envelope {
	return e.Derive(KindReport, senderID, []string{e.SenderID}, payload, opts...)
}

// Clone returns a deep copy of the envelope. The payload map is copied one
// level deep; nested values are shared.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Recipients = append([]string(nil), e.Recipients...)
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}
