package crypto

import (
	"bytes"
	"testing"
)

func TestSessionAEADSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	base := bytes.Repeat([]byte{0x02}, NonceSize)
	var src, dst [16]byte
	src[0] = 0x0a
	dst[0] = 0x0b
	nonce, err := NonceFromBase(base, 7)
	if err != nil {
		t.Fatalf("nonce derivation failed: %v", err)
	}
	aad := BuildAAD("CAPSULE", 7, src, dst, "chan")
	plain := []byte("payload")
	sealed, err := SealWithNonce(key, nonce, plain, aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	opened, err := Open(key, nonce, sealed, aad)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("payload mismatch")
	}
}

func TestSessionAEADTamperFails(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, KeySize)
	base := bytes.Repeat([]byte{0x04}, NonceSize)
	var src, dst [16]byte
	src[0] = 0x0c
	dst[0] = 0x0d
	nonce, err := NonceFromBase(base, 1)
	if err != nil {
		t.Fatalf("nonce derivation failed: %v", err)
	}
	aad := BuildAAD("CAPSULE", 1, src, dst, "")
	plain := []byte("payload")
	sealed, err := SealWithNonce(key, nonce, plain, aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	sealed[0] ^= 0xff
	if _, err := Open(key, nonce, sealed, aad); err == nil {
		t.Fatalf("expected tamper failure")
	}
}

func TestDeriveSessionKeysDeterministicAndDirectional(t *testing.T) {
	ss := []byte("shared-secret-from-ecdh")
	transcript := []byte("ephA||ephB")

	k1, err := DeriveSessionKeys(ss, transcript)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	k2, err := DeriveSessionKeys(ss, transcript)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	if !bytes.Equal(k1.SendKey, k2.SendKey) || !bytes.Equal(k1.RecvKey, k2.RecvKey) {
		t.Fatalf("expected deterministic derivation for identical inputs")
	}
	if bytes.Equal(k1.SendKey, k1.RecvKey) {
		t.Fatalf("expected distinct send/recv keys")
	}

	other, err := DeriveSessionKeys(ss, []byte("ephB||ephA"))
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	if bytes.Equal(k1.SendKey, other.SendKey) {
		t.Fatalf("expected transcript to bind derivation direction")
	}
}

func TestDeriveStaticAeadKeyDeterministicAndDirectional(t *testing.T) {
	secret := []byte("mesh-pre-shared-secret")
	mini := bytes.Repeat([]byte{0x0a}, 16)
	main := bytes.Repeat([]byte{0x0b}, 16)

	k1, err := DeriveStaticAeadKey(secret, mini, main)
	if err != nil {
		t.Fatalf("DeriveStaticAeadKey: %v", err)
	}
	k2, err := DeriveStaticAeadKey(secret, mini, main)
	if err != nil {
		t.Fatalf("DeriveStaticAeadKey: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("expected deterministic derivation for identical inputs")
	}
	if len(k1) != KeySize {
		t.Fatalf("expected %d-byte key, got %d", KeySize, len(k1))
	}

	reversed, err := DeriveStaticAeadKey(secret, main, mini)
	if err != nil {
		t.Fatalf("DeriveStaticAeadKey: %v", err)
	}
	if bytes.Equal(k1, reversed) {
		t.Fatalf("expected src/dst order to bind derivation direction")
	}

	otherSecret, err := DeriveStaticAeadKey([]byte("different-secret"), mini, main)
	if err != nil {
		t.Fatalf("DeriveStaticAeadKey: %v", err)
	}
	if bytes.Equal(k1, otherSecret) {
		t.Fatalf("expected secret to change the derived key")
	}

	if _, err := DeriveStaticAeadKey(nil, mini, main); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
