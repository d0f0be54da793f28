// Package bus provides the in-memory message bus: agent registry, bounded
// priority mailboxes, dead-letter store, and the health monitor that watches
// heartbeats on behalf of parent agents.
package bus

import (
	"container/heap"
	"context"
	"sync"

	"github.com/mycelium-cortex/cortex-core/envelope"
)

// =============================================================================
// Priority Queue (heap)
// =============================================================================

// mailboxItem represents one queued envelope.
type mailboxItem struct {
	env      *envelope.Envelope
	priority int    // Higher = more urgent
	seq      uint64 // For FIFO within same priority
	index    int    // Heap index
}

// mailboxQueue implements heap.Interface.
type mailboxQueue []*mailboxItem

func (mq mailboxQueue) Len() int { return len(mq) }

func (mq mailboxQueue) Less(i, j int) bool {
	// Higher priority value = dequeued first
	if mq[i].priority != mq[j].priority {
		return mq[i].priority > mq[j].priority
	}
	// FIFO for same priority
	return mq[i].seq < mq[j].seq
}

func (mq mailboxQueue) Swap(i, j int) {
	mq[i], mq[j] = mq[j], mq[i]
	mq[i].index = i
	mq[j].index = j
}

func (mq *mailboxQueue) Push(x any) {
	n := len(*mq)
	item := x.(*mailboxItem)
	item.index = n
	*mq = append(*mq, item)
}

func (mq *mailboxQueue) Pop() any {
	old := *mq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*mq = old[0 : n-1]
	return item
}

// =============================================================================
// Mailbox
// =============================================================================

// Mailbox is a bounded priority queue with a single consumer. Envelopes are
// dequeued most-urgent first; within one priority level, arrival order is
// preserved.
type Mailbox struct {
	ownerID  string
	capacity int

	mu     sync.Mutex
	queue  mailboxQueue
	seq    uint64
	closed bool
	notify chan struct{}
}

// NewMailbox creates a mailbox holding at most capacity envelopes.
func NewMailbox(ownerID string, capacity int) *Mailbox {
	mb := &Mailbox{
		ownerID:  ownerID,
		capacity: capacity,
		queue:    make(mailboxQueue, 0, capacity),
		notify:   make(chan struct{}, 1),
	}
	heap.Init(&mb.queue)
	return mb
}

// OwnerID returns the id of the agent this mailbox belongs to.
func (mb *Mailbox) OwnerID() string { return mb.ownerID }

// Capacity returns the mailbox bound.
func (mb *Mailbox) Capacity() int { return mb.capacity }

// Len returns the current queue depth.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.queue.Len()
}

// Enqueue adds an envelope to the mailbox. Returns MailboxFullError when the
// bound is reached and MailboxClosedError after Close.
func (mb *Mailbox) Enqueue(env *envelope.Envelope) error {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return NewMailboxClosedError(mb.ownerID)
	}
	if mb.queue.Len() >= mb.capacity {
		mb.mu.Unlock()
		return NewMailboxFullError(mb.ownerID, mb.capacity)
	}
	mb.seq++
	heap.Push(&mb.queue, &mailboxItem{
		env:      env,
		priority: env.Priority,
		seq:      mb.seq,
	})
	mb.mu.Unlock()

	mb.wake()
	return nil
}

// Dequeue blocks until an envelope is available, the context is cancelled,
// or the mailbox is closed. Cancellation wins over a non-empty queue so a
// stopping consumer does not drain its backlog.
func (mb *Mailbox) Dequeue(ctx context.Context) (*envelope.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mb.mu.Lock()
		if mb.queue.Len() > 0 {
			item := heap.Pop(&mb.queue).(*mailboxItem)
			mb.mu.Unlock()
			return item.env, nil
		}
		if mb.closed {
			mb.mu.Unlock()
			return nil, NewMailboxClosedError(mb.ownerID)
		}
		mb.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-mb.notify:
		}
	}
}

// TryDequeue pops the most urgent envelope without blocking.
func (mb *Mailbox) TryDequeue() (*envelope.Envelope, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.queue.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&mb.queue).(*mailboxItem)
	return item.env, true
}

// Close seals the mailbox and returns any envelopes still queued, most
// urgent first, so the caller can dead-letter them. Safe to call twice.
func (mb *Mailbox) Close() []*envelope.Envelope {
	mb.mu.Lock()
	mb.closed = true
	var drained []*envelope.Envelope
	for mb.queue.Len() > 0 {
		item := heap.Pop(&mb.queue).(*mailboxItem)
		drained = append(drained, item.env)
	}
	mb.mu.Unlock()

	mb.wake()
	return drained
}

// wake nudges a blocked Dequeue. The channel is buffered so a wake is never
// lost between the depth check and the select.
func (mb *Mailbox) wake() {
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}
