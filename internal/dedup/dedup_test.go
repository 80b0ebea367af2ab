package dedup

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPutSeenGet(t *testing.T) {
	c := New(8, time.Minute)
	id := uuid.New()
	if c.Seen(id) {
		t.Fatalf("expected unseen id before Put")
	}
	c.Put(id, "capsule-bytes")
	if !c.Seen(id) {
		t.Fatalf("expected id to be seen after Put")
	}
	v, ok := c.Get(id)
	if !ok || v != "capsule-bytes" {
		t.Fatalf("expected stored value, got %v ok=%v", v, ok)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(2, time.Minute)
	a, b, d := uuid.New(), uuid.New(), uuid.New()
	c.Put(a, 1)
	c.Put(b, 2)
	c.Put(d, 3)
	if c.Seen(a) {
		t.Fatalf("expected oldest entry evicted at capacity")
	}
	if !c.Seen(b) || !c.Seen(d) {
		t.Fatalf("expected the two most recent entries to remain")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(8, 10*time.Millisecond)
	id := uuid.New()
	c.Put(id, 1)
	time.Sleep(30 * time.Millisecond)
	if c.Seen(id) {
		t.Fatalf("expected entry to expire after ttl")
	}
}
