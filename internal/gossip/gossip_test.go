package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/capsule"
)

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

func TestPublisherRunBroadcastsOnEveryTick(t *testing.T) {
	var mu sync.Mutex
	var published []capsule.Manifest
	build := func() (capsule.Manifest, error) {
		return capsule.NewManifest("main-1", nil, time.Now()), nil
	}
	publish := func(mf capsule.Manifest) {
		mu.Lock()
		published = append(published, mf)
		mu.Unlock()
	}
	p := NewPublisher(2*time.Millisecond, build, publish, nil)
	stop := make(chan struct{})
	go p.Run(stop)
	defer close(stop)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) >= 2
	}, time.Second)
}

func TestSyncerReconcileRequestsMissingWithinInflightCap(t *testing.T) {
	s := NewSyncer(time.Hour, 2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	mf := capsule.Manifest{Entries: []capsule.ManifestEntry{
		{CapsuleID: a}, {CapsuleID: b}, {CapsuleID: c},
	}}

	var mu sync.Mutex
	var requested []uuid.UUID
	s.Request = func(peer string, id uuid.UUID) error {
		mu.Lock()
		requested = append(requested, id)
		mu.Unlock()
		return nil
	}
	s.HaveIDs = func() map[uuid.UUID]struct{} { return map[uuid.UUID]struct{}{} }

	s.Reconcile("main-1", mf)

	mu.Lock()
	n := len(requested)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected exactly MaxInflight=2 requests dispatched immediately, got %d", n)
	}

	// Delivering one capsule frees a slot and drains the pending backlog.
	s.OnCapsuleDelivered("main-1", requested[0])
	mu.Lock()
	n = len(requested)
	mu.Unlock()
	if n != 3 {
		t.Fatalf("expected the third entry to be requested once a slot freed, got %d", n)
	}
}

func TestSyncerReconcileSkipsEntriesAlreadyHeld(t *testing.T) {
	s := NewSyncer(time.Hour, 8)
	have, missing := uuid.New(), uuid.New()
	mf := capsule.Manifest{Entries: []capsule.ManifestEntry{{CapsuleID: have}, {CapsuleID: missing}}}

	var requested []uuid.UUID
	s.Request = func(peer string, id uuid.UUID) error {
		requested = append(requested, id)
		return nil
	}
	s.HaveIDs = func() map[uuid.UUID]struct{} {
		return map[uuid.UUID]struct{}{have: {}}
	}

	s.Reconcile("main-1", mf)
	if len(requested) != 1 || requested[0] != missing {
		t.Fatalf("expected only the missing entry requested, got %v", requested)
	}
}

func TestSyncerPollOnceSkipsUnverifiedManifest(t *testing.T) {
	s := NewSyncer(time.Hour, 8)
	s.Peers = func() []string { return []string{"main-1"} }
	s.FetchManifest = func(peer string) (capsule.Manifest, error) {
		return capsule.Manifest{Entries: []capsule.ManifestEntry{{CapsuleID: uuid.New()}}}, nil
	}
	s.VerifyManifest = func(capsule.Manifest) bool { return false }
	s.HaveIDs = func() map[uuid.UUID]struct{} { return map[uuid.UUID]struct{}{} }

	var requested int
	s.Request = func(peer string, id uuid.UUID) error {
		requested++
		return nil
	}

	s.pollOnce()
	if requested != 0 {
		t.Fatalf("expected an unverified manifest to be ignored, dispatched %d requests", requested)
	}
}
