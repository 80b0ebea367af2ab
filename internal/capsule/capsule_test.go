package capsule

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/crypto"
)

func TestNormalizeQuestionCollapsesWhitespaceAndCase(t *testing.T) {
	a := NormalizeQuestion("What  is\tPhotosynthesis?\n")
	b := NormalizeQuestion("what is photosynthesis?")
	if a != b {
		t.Fatalf("normalization mismatch: %q vs %q", a, b)
	}
}

func TestQuestionHashStable(t *testing.T) {
	h1 := QuestionHash("What is photosynthesis?")
	h2 := QuestionHash("what   is PHOTOSYNTHESIS?")
	if h1 != h2 {
		t.Fatalf("expected equal hashes, got %s vs %s", h1, h2)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	c := New("Define entropy", "a measure of disorder", "main-1", 300, time.Now())
	signed, err := Sign(c, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(signed, pub) {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedAnswer(t *testing.T) {
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	c := New("Define entropy", "a measure of disorder", "main-1", 300, time.Now())
	signed, err := Sign(c, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signed.AnswerText = "tampered"
	if Verify(signed, pub) {
		t.Fatalf("expected tampered capsule to fail verification")
	}
}

func TestIsFreshHandlesZeroTTL(t *testing.T) {
	c := New("q", "a", "main-1", 0, time.Now())
	if c.IsFresh(time.Now()) {
		t.Fatalf("ttl_seconds=0 must be treated as immediately expired")
	}
}

func TestIsFreshExpiry(t *testing.T) {
	c := New("q", "a", "main-1", 5, time.Now().Add(-10*time.Second))
	if c.IsFresh(time.Now()) {
		t.Fatalf("expected capsule past its ttl to be stale")
	}
}

func TestManifestSignVerifyAndMissing(t *testing.T) {
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	now := time.Now()
	c1 := New("q1", "a1", "main-1", 300, now)
	c2 := New("q2", "a2", "main-1", 300, now.Add(time.Second))
	m := NewManifest("main-1", []KnowledgeCapsule{c2, c1}, now.Add(2*time.Second))
	if m.Entries[0].CapsuleID != c1.CapsuleID {
		t.Fatalf("expected entries ordered by created_at ascending")
	}
	signed, err := SignManifest(m, priv)
	if err != nil {
		t.Fatalf("SignManifest: %v", err)
	}
	if !VerifyManifest(signed, pub) {
		t.Fatalf("expected manifest signature to verify")
	}

	missing := signed.Missing(nil)
	if len(missing) != 2 {
		t.Fatalf("expected both entries missing from an empty local set, got %d", len(missing))
	}
	haveC1 := map[uuid.UUID]struct{}{c1.CapsuleID: {}}
	missing = signed.Missing(haveC1)
	if len(missing) != 1 || missing[0].CapsuleID != c2.CapsuleID {
		t.Fatalf("expected only c2 missing, got %+v", missing)
	}
}
