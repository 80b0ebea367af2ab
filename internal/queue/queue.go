// Package queue is a mini hub's retransmit engine: every outbound QUERY or
// MESSAGE packet lives here from the moment it is handed to NetSim
// until it is ACKed or exhausts its retries, retried on an exponential
// backoff schedule ordered by next_attempt_at.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/debuglog"
	"capsulemesh/internal/netproto"
)

// Status is a QueueEntry's lifecycle state.
type Status int

const (
	Pending Status = iota
	InFlight
	Delivered
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case InFlight:
		return "IN_FLIGHT"
	case Delivered:
		return "DELIVERED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one outstanding transmission. It is exclusively owned by the
// issuing hub and never serialized to the wire.
type Entry struct {
	PacketID        uuid.UUID
	Dest            netproto.NodeID
	Encoded         []byte
	Attempts        int
	NextAttemptAt   time.Time
	FirstEnqueuedAt time.Time
	Status          Status

	heapIndex int
}

// Policy is the retransmission backoff schedule.
type Policy struct {
	BaseBackoff time.Duration
	Multiplier  float64
	MaxRetries  int
}

// DefaultPolicy matches the contractual defaults: 0.5, 1, 2, 4, 8, 16s.
func DefaultPolicy() Policy {
	return Policy{BaseBackoff: 500 * time.Millisecond, Multiplier: 2, MaxRetries: 6}
}

func (p Policy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseBackoff
	}
	d := float64(p.BaseBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.heapIndex = -1
	return e
}

// Queue is a mutex-protected priority queue of Entry ordered by
// next_attempt_at, with O(1) lookup by packet_id for ACK/NAK correlation.
type Queue struct {
	mu     sync.Mutex
	policy Policy
	byID   map[uuid.UUID]*Entry
	heap   entryHeap
	wake   chan struct{}

	// OnFailed, if set, is called by Run after an entry exhausts
	// max_retries and is removed from tracking. Run calls it synchronously,
	// outside the queue's lock, once per entry — the owning hub uses it to
	// wake up a caller blocked in Query with Unavailable("offline").
	OnFailed func(*Entry)
}

func New(policy Policy) *Queue {
	q := &Queue{
		policy: policy,
		byID:   make(map[uuid.UUID]*Entry),
		wake:   make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue admits a new packet for retransmission tracking, due immediately.
func (q *Queue) Enqueue(packetID uuid.UUID, dest netproto.NodeID, encoded []byte) *Entry {
	now := time.Now()
	e := &Entry{
		PacketID:        packetID,
		Dest:            dest,
		Encoded:         encoded,
		NextAttemptAt:   now,
		FirstEnqueuedAt: now,
		Status:          Pending,
	}
	q.mu.Lock()
	q.byID[packetID] = e
	heap.Push(&q.heap, e)
	q.mu.Unlock()
	q.notify()
	return e
}

// Get returns the tracked entry for packetID, if any.
func (q *Queue) Get(packetID uuid.UUID) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[packetID]
	return e, ok
}

// MarkDelivered removes an entry from retransmission tracking on ACK.
// A second ACK for the same packet_id is a no-op (idempotent).
func (q *Queue) MarkDelivered(packetID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[packetID]
	if !ok || e.Status == Delivered {
		return
	}
	e.Status = Delivered
	q.removeLocked(e)
}

// OnNak schedules an immediate retransmission for packetID, unless one is
// already in flight for this attempt window — whichever of NAK or ACK
// timeout fires first wins and the other is ignored.
func (q *Queue) OnNak(packetID uuid.UUID) {
	q.mu.Lock()
	e, ok := q.byID[packetID]
	if !ok || e.Status == Delivered || e.Status == Failed {
		q.mu.Unlock()
		return
	}
	if e.heapIndex < 0 {
		q.mu.Unlock()
		return
	}
	e.NextAttemptAt = time.Now()
	heap.Fix(&q.heap, e.heapIndex)
	q.mu.Unlock()
	q.notify()
}

// Reconcile resets every PENDING entry's backoff to fire immediately,
// draining the queue after a link recovers from an outage.
func (q *Queue) Reconcile() {
	q.mu.Lock()
	now := time.Now()
	for _, e := range q.byID {
		if e.Status == Pending && e.heapIndex >= 0 {
			e.NextAttemptAt = now
			heap.Fix(&q.heap, e.heapIndex)
		}
	}
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) removeLocked(e *Entry) {
	delete(q.byID, e.PacketID)
	if e.heapIndex >= 0 && e.heapIndex < q.heap.Len() {
		heap.Remove(&q.heap, e.heapIndex)
	}
}

// popDue pops the earliest entry if it is due, returning (entry, wait) —
// wait is how long the worker should sleep if nothing is due yet.
func (q *Queue) popDue(now time.Time) (*Entry, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, time.Hour
	}
	top := q.heap[0]
	if top.NextAttemptAt.After(now) {
		return nil, top.NextAttemptAt.Sub(now)
	}
	heap.Pop(&q.heap)
	top.Status = InFlight
	return top, 0
}

// reschedule either advances an entry for its next attempt or marks it
// FAILED once max_retries is exceeded, reporting which happened so Run can
// invoke OnFailed outside the lock. sendErr is a synchronous admission
// failure (OVERSIZED, UNKNOWN_DESTINATION); it doesn't change the backoff
// decision, which is driven by ACK/NAK, but is worth a trace line since it
// means this attempt never reached the wire at all.
func (q *Queue) reschedule(e *Entry, sendErr error) bool {
	if sendErr != nil {
		debuglog.Debugf("queue: attempt for packet %s did not reach NetSim: %v", e.PacketID, sendErr)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[e.PacketID]; !ok {
		return false // delivered or removed while in flight
	}
	if e.Attempts >= q.policy.MaxRetries {
		e.Status = Failed
		q.removeLocked(e)
		return true
	}
	e.Attempts++
	e.Status = Pending
	e.NextAttemptAt = time.Now().Add(q.policy.delay(e.Attempts))
	heap.Push(&q.heap, e)
	return false
}

// Run drives the retransmission worker: it blocks until entries are due,
// hands each to send, and reschedules per the backoff policy. It returns
// when stop is closed.
func (q *Queue) Run(stop <-chan struct{}, send func(*Entry) error) {
	for {
		now := time.Now()
		e, wait := q.popDue(now)
		if e == nil {
			timer := time.NewTimer(wait)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			case <-q.wake:
				timer.Stop()
			}
			continue
		}
		err := send(e)
		if failed := q.reschedule(e, err); failed && q.OnFailed != nil {
			q.OnFailed(e)
		}
	}
}

// Len reports how many entries are currently tracked (any non-terminal status).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}
