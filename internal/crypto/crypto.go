// Package crypto implements the fixed cryptographic suite: AES-256-GCM for
// capsule and packet confidentiality, Ed25519 for capsule and manifest
// signatures, and SHA-256 for content hashing and question normalization.
// The X25519 ephemeral helpers are kept as a pluggable key-agreement upgrade
// path: AeadKeyFor is free to call Ephemeral.Shared instead of a static key
// without any change to the codec or hub logic that calls Seal/Open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// AEAD sizes for the AES-256-GCM suite.
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// SHA256 returns the 32-byte SHA-256 digest of msg.
func SHA256(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

// -----------------------------------------------------------------------------
// AES-256-GCM AEAD
// -----------------------------------------------------------------------------

func newGCM(key32 []byte) (cipher.AEAD, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal generates a random 12-byte nonce and seals plaintext under key32,
// authenticating aad alongside it. aad is typically the packet header.
func Seal(key32, plaintext, aad []byte) (nonce []byte, ciphertext []byte, err error) {
	aead, err := newGCM(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

// SealWithNonce seals plaintext under an explicit, caller-managed nonce.
// Callers that derive nonces from a counter (session send/recv streams) must
// never reuse a nonce under the same key.
func SealWithNonce(key32, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key32)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext under key32/nonce/aad.
func Open(key32, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key32)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

// -----------------------------------------------------------------------------
// X25519 ephemeral helpers — the pluggable key-agreement upgrade path.
// Nothing in netproto or the hubs calls these today; AeadKeyFor implementations
// are free to start doing an ECDH handshake and derive session keys with
// DeriveSessionKeys without touching the wire codec.
// -----------------------------------------------------------------------------

type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) GoString() string {
	return "crypto.Ephemeral{REDACTED}"
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.privBytes {
		e.privBytes[i] = 0
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privBytes := priv.Bytes()
	privCopy := make([]byte, len(privBytes))
	copy(privCopy, privBytes)
	pubBytes := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pubBytes))
	copy(pubCopy, pubBytes)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: pubCopy}, nil
}

func X25519Shared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

// -----------------------------------------------------------------------------
// Ed25519 signatures — capsules and manifests.
// -----------------------------------------------------------------------------

// GenKeypair returns a raw 32-byte Ed25519 public key and a raw 64-byte
// private key (seed || public key, the standard library's packed form).
func GenKeypair() (pub, priv []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return []byte(pubKey), []byte(privKey), nil
}

// Sign signs msg with an Ed25519 private key. Ed25519 hashes internally, so
// callers pass the message itself, not a pre-hashed digest.
func Sign(priv []byte, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad private key size: need %d", ed25519.PrivateKeySize)
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
func Verify(pub []byte, msg []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}

	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return pub, priv, nil
}
