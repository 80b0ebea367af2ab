package capstore

import (
	"path/filepath"
	"testing"
	"time"

	"capsulemesh/internal/authority"
	"capsulemesh/internal/capsule"
	"capsulemesh/internal/crypto"
)

func newTestAuthority(t *testing.T, sourceID string) (*authority.Registry, []byte) {
	t.Helper()
	reg, err := authority.Open("")
	if err != nil {
		t.Fatalf("authority.Open: %v", err)
	}
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	if err := reg.Trust(sourceID, pub); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	return reg, priv
}

func TestPutRejectsUnverifiedSignature(t *testing.T) {
	reg, _ := newTestAuthority(t, "main-1")
	s, err := Open("", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c := capsule.New("q", "a", "main-1", 300, time.Now())
	c.Signature = []byte("not-a-real-signature")
	res, err := s.Put(c)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res != PutRejectedUnverified {
		t.Fatalf("expected rejection, got %v", res)
	}
	if _, ok := s.GetByID(c.CapsuleID); ok {
		t.Fatalf("rejected capsule must not be stored")
	}
}

func TestPutIdempotentKeepsEarliestRecord(t *testing.T) {
	reg, priv := newTestAuthority(t, "main-1")
	s, err := Open("", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c, err := capsule.Sign(capsule.New("q", "a", "main-1", 300, time.Now()), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res, _ := s.Put(c); res != PutAccepted {
		t.Fatalf("expected first Put to be accepted, got %v", res)
	}
	if res, _ := s.Put(c); res != PutAlreadyPresent {
		t.Fatalf("expected second Put to report already present, got %v", res)
	}
	if s.Len() != 1 {
		t.Fatalf("expected exactly one stored capsule, got %d", s.Len())
	}
}

func TestFindByQuestionReturnsFreshestMatch(t *testing.T) {
	reg, priv := newTestAuthority(t, "main-1")
	s, err := Open("", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Now()
	older, _ := capsule.Sign(capsule.New("Define entropy", "old answer", "main-1", 300, now.Add(-time.Minute)), priv)
	newer, _ := capsule.Sign(capsule.New("Define entropy", "new answer", "main-1", 300, now), priv)
	if _, err := s.Put(older); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(newer); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := s.FindByQuestion("define   entropy")
	if !ok {
		t.Fatalf("expected a hit")
	}
	if got.CapsuleID != newer.CapsuleID {
		t.Fatalf("expected newest capsule to win, got answer %q", got.AnswerText)
	}
}

func TestSweepRemovesExpiredCapsules(t *testing.T) {
	reg, priv := newTestAuthority(t, "main-1")
	s, err := Open("", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	expired, _ := capsule.Sign(capsule.New("q", "a", "main-1", 1, time.Now().Add(-time.Hour)), priv)
	if _, err := s.Put(expired); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected Sweep to remove 1 capsule, removed %d", n)
	}
	if s.Len() != 0 {
		t.Fatalf("expected store empty after sweep")
	}
}

func TestManifestListsOnlyFreshCapsulesSignedAndOrdered(t *testing.T) {
	reg, priv := newTestAuthority(t, "main-1")
	pub, _ := reg.VerifierFor("main-1")
	s, err := Open("", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Now()
	c1, _ := capsule.Sign(capsule.New("q1", "a1", "main-1", 300, now), priv)
	c2, _ := capsule.Sign(capsule.New("q2", "a2", "main-1", 300, now.Add(time.Second)), priv)
	expired, _ := capsule.Sign(capsule.New("q3", "a3", "main-1", 1, now.Add(-time.Hour)), priv)
	for _, c := range []capsule.KnowledgeCapsule{c1, c2, expired} {
		if _, err := s.Put(c); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	m, err := s.Manifest("main-1", priv)
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if len(m.Entries) != 2 {
		t.Fatalf("expected 2 fresh entries, got %d", len(m.Entries))
	}
	if m.Entries[0].CapsuleID != c1.CapsuleID || m.Entries[1].CapsuleID != c2.CapsuleID {
		t.Fatalf("expected entries ordered by created_at ascending")
	}
	if !capsule.VerifyManifest(m, pub) {
		t.Fatalf("expected manifest signature to verify")
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capsules.jsonl")
	reg, priv := newTestAuthority(t, "main-1")

	s1, err := Open(path, reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c, _ := capsule.Sign(capsule.New("q", "a", "main-1", 300, time.Now()), priv)
	if _, err := s1.Put(c); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2, err := Open(path, reg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := s2.GetByID(c.CapsuleID); !ok {
		t.Fatalf("expected capsule to survive reopen")
	}
}
