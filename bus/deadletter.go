package bus

import (
	"sync"
	"time"

	"github.com/mycelium-cortex/cortex-core/envelope"
	"github.com/mycelium-cortex/cortex-core/observability"
)

// =============================================================================
// Dead-Letter Store
// =============================================================================

// Reason classifies why an envelope could not be delivered.
type Reason string

const (
	// ReasonExpired means the envelope's TTL elapsed before delivery.
	ReasonExpired Reason = "Expired"
	// ReasonUnknownRecipient means the recipient id is not registered.
	ReasonUnknownRecipient Reason = "UnknownRecipient"
	// ReasonAgentRemoved means the recipient was unregistered with mail pending.
	ReasonAgentRemoved Reason = "AgentRemoved"
	// ReasonAgentStopped means the recipient stopped with mail pending.
	ReasonAgentStopped Reason = "AgentStopped"
	// ReasonMailboxFull means the recipient's mailbox was at capacity.
	ReasonMailboxFull Reason = "MailboxFull"
)

// DeadLetter records one undeliverable envelope.
type DeadLetter struct {
	Envelope    *envelope.Envelope
	RecipientID string
	Reason      Reason
	RecordedAt  time.Time
}

// DeadLetterStore keeps the most recent undeliverable envelopes in memory.
// It is a ring: once the limit is reached, the oldest record is dropped.
type DeadLetterStore struct {
	mu      sync.RWMutex
	records []DeadLetter
	limit   int
}

// DefaultDeadLetterLimit bounds the store when no limit is configured.
const DefaultDeadLetterLimit = 1024

// NewDeadLetterStore creates a store keeping at most limit records.
func NewDeadLetterStore(limit int) *DeadLetterStore {
	if limit <= 0 {
		limit = DefaultDeadLetterLimit
	}
	return &DeadLetterStore{limit: limit}
}

// Record adds a dead letter and updates metrics.
func (s *DeadLetterStore) Record(env *envelope.Envelope, recipientID string, reason Reason) {
	s.mu.Lock()
	if len(s.records) >= s.limit {
		s.records = s.records[1:]
	}
	s.records = append(s.records, DeadLetter{
		Envelope:    env,
		RecipientID: recipientID,
		Reason:      reason,
		RecordedAt:  time.Now().UTC(),
	})
	s.mu.Unlock()

	observability.RecordDeadLetter(string(reason))
}

// All returns a snapshot of the records, oldest first.
func (s *DeadLetterStore) All() []DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, len(s.records))
	copy(out, s.records)
	return out
}

// ByReason returns the records carrying the given reason, oldest first.
func (s *DeadLetterStore) ByReason(reason Reason) []DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DeadLetter
	for _, dl := range s.records {
		if dl.Reason == reason {
			out = append(out, dl)
		}
	}
	return out
}

// Len returns the number of records held.
func (s *DeadLetterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// CountByReason returns record counts grouped by reason.
func (s *DeadLetterStore) CountByReason() map[Reason]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Reason]int)
	for _, dl := range s.records {
		counts[dl.Reason]++
	}
	return counts
}
