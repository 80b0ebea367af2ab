package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/netproto"
)

func fastPolicy() Policy {
	return Policy{BaseBackoff: 2 * time.Millisecond, Multiplier: 2, MaxRetries: 3}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEnqueueAndMarkDeliveredRemovesEntry(t *testing.T) {
	q := New(fastPolicy())
	dst := netproto.DeriveNodeID("main")
	id := uuid.New()
	q.Enqueue(id, dst, []byte("payload"))
	if _, ok := q.Get(id); !ok {
		t.Fatalf("expected entry to be tracked after Enqueue")
	}
	q.MarkDelivered(id)
	if _, ok := q.Get(id); ok {
		t.Fatalf("expected entry removed after MarkDelivered")
	}
	// A second ACK for the same packet_id is a no-op, not a panic.
	q.MarkDelivered(id)
}

func TestRunRetriesUntilSendSucceeds(t *testing.T) {
	q := New(fastPolicy())
	dst := netproto.DeriveNodeID("main")
	id := uuid.New()
	q.Enqueue(id, dst, []byte("payload"))

	var attempts int
	var mu sync.Mutex
	stop := make(chan struct{})
	go q.Run(stop, func(e *Entry) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errors.New("simulated send failure")
		}
		q.MarkDelivered(e.PacketID)
		return nil
	})
	defer close(stop)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 3
	}, time.Second)
	if _, ok := q.Get(id); ok {
		t.Fatalf("expected entry removed once delivered")
	}
}

func TestRunInvokesOnFailedAfterMaxRetries(t *testing.T) {
	q := New(fastPolicy())
	dst := netproto.DeriveNodeID("main")
	id := uuid.New()

	var failedEntry *Entry
	var mu sync.Mutex
	q.OnFailed = func(e *Entry) {
		mu.Lock()
		failedEntry = e
		mu.Unlock()
	}

	q.Enqueue(id, dst, []byte("payload"))
	stop := make(chan struct{})
	go q.Run(stop, func(e *Entry) error {
		return errors.New("simulated total loss")
	})
	defer close(stop)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedEntry != nil
	}, time.Second)

	mu.Lock()
	got := failedEntry
	mu.Unlock()
	if got.PacketID != id {
		t.Fatalf("expected OnFailed for the enqueued packet, got %s", got.PacketID)
	}
	if _, ok := q.Get(id); ok {
		t.Fatalf("expected entry removed from tracking once Failed")
	}
}

func TestOnNakSchedulesImmediateRetransmit(t *testing.T) {
	q := New(Policy{BaseBackoff: time.Hour, Multiplier: 2, MaxRetries: 6})
	dst := netproto.DeriveNodeID("main")
	id := uuid.New()
	q.Enqueue(id, dst, []byte("payload"))

	e, _ := q.Get(id)
	e.NextAttemptAt = time.Now().Add(time.Hour)
	q.OnNak(id)

	_, wait := q.popDue(time.Now())
	if wait != 0 {
		t.Fatalf("expected OnNak to make the entry immediately due, wait=%s", wait)
	}
}

func TestReconcileDrainsPendingBackoff(t *testing.T) {
	q := New(Policy{BaseBackoff: time.Hour, Multiplier: 2, MaxRetries: 6})
	dst := netproto.DeriveNodeID("main")
	a, b := uuid.New(), uuid.New()
	q.Enqueue(a, dst, []byte("1"))
	q.Enqueue(b, dst, []byte("2"))
	for _, id := range []uuid.UUID{a, b} {
		e, _ := q.Get(id)
		e.NextAttemptAt = time.Now().Add(time.Hour)
	}
	q.Reconcile()
	_, wait := q.popDue(time.Now())
	if wait != 0 {
		t.Fatalf("expected Reconcile to make pending entries immediately due, wait=%s", wait)
	}
}
