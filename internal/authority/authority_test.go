package authority

import (
	"path/filepath"
	"testing"

	"capsulemesh/internal/crypto"
)

func TestTrustAndVerify(t *testing.T) {
	reg, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pub, _, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	if _, ok := reg.VerifierFor("main-1"); ok {
		t.Fatalf("expected unknown source_id to be untrusted")
	}
	if err := reg.Trust("main-1", pub); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	got, ok := reg.VerifierFor("main-1")
	if !ok || string(got) != string(pub) {
		t.Fatalf("expected trusted pubkey to match")
	}
}

func TestRevokeBlocksVerification(t *testing.T) {
	reg, _ := Open("")
	pub, _, _ := crypto.GenKeypair()
	_ = reg.Trust("main-1", pub)
	if err := reg.Revoke("main-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok := reg.VerifierFor("main-1"); ok {
		t.Fatalf("expected revoked source_id to be untrusted")
	}
}

func TestRegistryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authority.jsonl")
	pub, _, _ := crypto.GenKeypair()

	reg1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := reg1.Trust("main-1", pub); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	reg2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reg2.VerifierFor("main-1")
	if !ok || string(got) != string(pub) {
		t.Fatalf("expected trust grant to survive reopen")
	}
}

func TestVerifyCapsuleSignerRejectsUnknownSource(t *testing.T) {
	reg, _ := Open("")
	ok := reg.VerifyCapsuleSigner("ghost-hub", func(pub []byte) bool { return true })
	if ok {
		t.Fatalf("expected unknown source to be rejected before reaching verify")
	}
}
