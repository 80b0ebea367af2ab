package metrics

import "testing"

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncOversized()
	m.IncLostChunk()
	m.IncLostChunk()
	m.IncMaxRetriesExceeded()
	m.IncDecryptFail("peer-a")
	m.IncSigInvalid("peer-b")
	m.IncAnswerFail()
	m.IncManifestSent()
	m.IncCapsuleSynced()

	snap := m.Snapshot()
	if snap.Transport.Oversized != 1 {
		t.Fatalf("expected oversized=1, got %d", snap.Transport.Oversized)
	}
	if snap.Delivery.LostChunk != 2 {
		t.Fatalf("expected lost_chunk=2, got %d", snap.Delivery.LostChunk)
	}
	if snap.Delivery.MaxRetriesExceeded != 1 {
		t.Fatalf("expected max_retries_exceeded=1, got %d", snap.Delivery.MaxRetriesExceeded)
	}
	if snap.Security.DecryptFail != 1 || snap.Security.SigInvalid != 1 {
		t.Fatalf("unexpected security counts: %+v", snap.Security)
	}
	if snap.Application.AnswerFail != 1 {
		t.Fatalf("expected answer_fail=1, got %d", snap.Application.AnswerFail)
	}
	if snap.Gossip.ManifestsSent != 1 || snap.Gossip.CapsulesSynced != 1 {
		t.Fatalf("unexpected gossip counts: %+v", snap.Gossip)
	}
	if len(snap.Recent) != 2 {
		t.Fatalf("expected 2 recent security events, got %d", len(snap.Recent))
	}
}

func TestRecentEventsBounded(t *testing.T) {
	m := New()
	for i := 0; i < 200; i++ {
		m.IncSigInvalid("peer")
	}
	snap := m.Snapshot()
	if len(snap.Recent) != 64 {
		t.Fatalf("expected recent ring capped at 64, got %d", len(snap.Recent))
	}
}
