package rx

import (
	"sync"

	"github.com/drcloud/drcloud/pkg/protocol"
)

// PostQueue carries envelopes from handlers to the agent loop, which drains
// it into the outbox under the mailbox lock. It is safe for concurrent use.
type PostQueue struct {
	mu      sync.Mutex
	pending []*protocol.Envelope
	notify  chan struct{}
}

// NewPostQueue creates an empty queue.
func NewPostQueue() *PostQueue {
	return &PostQueue{notify: make(chan struct{}, 1)}
}

// Post appends e and wakes the loop.
func (q *PostQueue) Post(e *protocol.Envelope) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything posted so far, oldest first.
func (q *PostQueue) Drain() []*protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Requeue puts envelopes that could not be flushed back at the front.
func (q *PostQueue) Requeue(es []*protocol.Envelope) {
	if len(es) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append([]*protocol.Envelope(nil), es...), q.pending...)
}

// Len returns the number of queued envelopes.
func (q *PostQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Notify fires after at least one Post since the last receive.
func (q *PostQueue) Notify() <-chan struct{} {
	return q.notify
}
