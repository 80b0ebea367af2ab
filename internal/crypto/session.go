package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeys are derived from an ECDH shared secret for hubs that opt into
// the X25519 upgrade path instead of a statically provisioned AEAD key.
type SessionKeys struct {
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

// DeriveSessionKeys runs HKDF-SHA256 over the ECDH shared secret ss, salted
// with a handshake transcript, and expands it into directional AEAD keys and
// nonce bases. transcript should bind both peers' ephemeral public keys so a
// reflected shared secret can't be replayed against itself.
func DeriveSessionKeys(ss, transcript []byte) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errors.New("empty key material")
	}
	r := hkdf.New(sha256.New, ss, transcript, []byte("capsulemesh:session:v1"))
	send := make([]byte, KeySize)
	recv := make([]byte, KeySize)
	nsSend := make([]byte, NonceSize)
	nsRecv := make([]byte, NonceSize)
	for _, buf := range [][]byte{send, recv, nsSend, nsRecv} {
		if _, err := io.ReadFull(r, buf); err != nil {
			return SessionKeys{}, err
		}
	}
	return SessionKeys{
		SendKey:       send,
		RecvKey:       recv,
		NonceBaseSend: nsSend,
		NonceBaseRecv: nsRecv,
	}, nil
}

// DeriveStaticAeadKey runs HKDF-SHA256 over a pre-shared mesh secret,
// salted with the ordered pair of 16-byte node IDs, producing the AEAD key
// two hubs use for every packet between them. It is the non-handshake
// AeadKeyFor implementation: a hub provisioned with the same secret out of
// band derives the identical key for a given (src, dst) pair without ever
// exchanging ephemeral public keys. Ordering src/dst into the salt (rather
// than a src/dst XOR or sum) means swapping the two node IDs yields a
// different key, so a hub can't be tricked into reusing its own send key
// as its receive key.
func DeriveStaticAeadKey(secret, src, dst []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty mesh secret")
	}
	salt := make([]byte, 0, len(src)+len(dst))
	salt = append(salt, src...)
	salt = append(salt, dst...)
	r := hkdf.New(sha256.New, secret, salt, []byte("capsulemesh:static-aead:v1"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// NonceFromBase XORs a monotonically increasing per-session counter into the
// low 8 bytes of a nonce base, so a send/recv stream never reuses a nonce
// under the same key without maintaining per-packet random state.
func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != NonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}
