package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rosterline/platform/internal/domain"
)

// MemQueue is an in-memory Queue for development mode and tests. It mirrors
// the Redis implementation's semantics: at-least-once delivery, visibility
// deadlines, expired-delivery reclaim on Receive.
type MemQueue struct {
	mu         sync.Mutex
	pending    []memDelivery
	inflight   map[string]memDelivery // handle → delivery
	deadlines  map[string]time.Time   // handle → visibility deadline
	visibility time.Duration
	notify     chan struct{}
}

type memDelivery struct {
	handle   string
	envelope domain.JobEnvelope
}

var _ Queue = (*MemQueue)(nil)

// NewMemQueue creates an empty in-memory queue with the given visibility
// timeout (DefaultVisibilityTimeout if zero).
func NewMemQueue(visibility time.Duration) *MemQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemQueue{
		inflight:   make(map[string]memDelivery),
		deadlines:  make(map[string]time.Time),
		visibility: visibility,
		notify:     make(chan struct{}, 1),
	}
}

// Enqueue appends an envelope and wakes one blocked receiver.
func (q *MemQueue) Enqueue(_ context.Context, env domain.JobEnvelope) error {
	q.mu.Lock()
	q.pending = append(q.pending, memDelivery{handle: uuid.NewString(), envelope: env})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive reclaims expired deliveries and returns the next pending one,
// blocking up to maxWait. Returns nil, nil on timeout.
func (q *MemQueue) Receive(ctx context.Context, maxWait time.Duration) (*Message, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if msg := q.tryReceive(); msg != nil {
			return msg, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, domain.E(domain.KindTransient, ctx.Err())
		case <-timer.C:
			return nil, nil
		case <-q.notify:
			timer.Stop()
		}
	}
}

// tryReceive pops the oldest pending delivery, if any.
func (q *MemQueue) tryReceive() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reclaimExpiredLocked()

	if len(q.pending) == 0 {
		return nil
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight[d.handle] = d
	q.deadlines[d.handle] = time.Now().Add(q.visibility)
	return &Message{Handle: d.handle, Envelope: d.envelope}
}

// ExtendVisibility pushes the delivery's deadline out by d from now.
func (q *MemQueue) ExtendVisibility(_ context.Context, handle string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[handle]; !ok {
		return domain.Errorf(domain.KindNotFound, "queue: delivery no longer in flight")
	}
	q.deadlines[handle] = time.Now().Add(d)
	return nil
}

// Delete acknowledges the delivery. Idempotent.
func (q *MemQueue) Delete(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, handle)
	delete(q.deadlines, handle)
	return nil
}

// reclaimExpiredLocked returns expired in-flight deliveries to pending.
// Caller holds q.mu.
func (q *MemQueue) reclaimExpiredLocked() {
	now := time.Now()
	for handle, d := range q.inflight {
		if dl, ok := q.deadlines[handle]; !ok || !dl.After(now) {
			delete(q.inflight, handle)
			delete(q.deadlines, handle)
			// Fresh handle: the lapsed owner's heartbeats and acks must go
			// dead instead of touching the redelivered copy.
			d.handle = uuid.NewString()
			q.pending = append(q.pending, d)
		}
	}
}

// ExpireNow forces every in-flight delivery's deadline into the past. Tests
// use this to simulate a crashed worker without waiting out the visibility
// window.
func (q *MemQueue) ExpireNow() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for handle := range q.deadlines {
		q.deadlines[handle] = time.Now().Add(-time.Second)
	}
}

// Reclaim forces an expired-delivery sweep without receiving anything. Tests
// use it to simulate another worker reclaiming a lapsed delivery.
func (q *MemQueue) Reclaim() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimExpiredLocked()
}

// Depth returns the number of pending (deliverable) messages.
func (q *MemQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
