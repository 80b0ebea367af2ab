package netproto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"capsulemesh/internal/crypto"
)

// DeriveNodeID maps a human-readable node name onto the 16-byte identifier
// carried in packet headers. It's a deterministic hash, not a secret: trust
// in a node's signing key is established separately through the authority
// registry, keyed by the same string the caller passed here.
func DeriveNodeID(name string) NodeID {
	digest := crypto.SHA256([]byte(name))
	var id NodeID
	copy(id[:], digest[:16])
	return id
}

// QueryPayload is the AEAD plaintext of a QUERY frame.
type QueryPayload struct {
	Question string `json:"question"`
	UserID   string `json:"user_id"`
	ReplyTo  string `json:"reply_to"`
	HintID   string `json:"hint_id,omitempty"`
}

// CapsulePayload is the AEAD plaintext of a CAPSULE frame. Raw carries the
// capsule's JSON encoding, signature included; a receiver parses it and
// verifies the signature over the canonical bytes recomputed from the
// parsed fields.
type CapsulePayload struct {
	Raw json.RawMessage `json:"capsule"`
}

// AckPayload is the AEAD plaintext of an ACK frame.
type AckPayload struct {
	PacketID uuid.UUID `json:"packet_id"`
}

// NakPayload is the AEAD plaintext of a NAK frame.
type NakPayload struct {
	PacketID   uuid.UUID `json:"packet_id"`
	ChunkIndex uint16    `json:"chunk_index"`
}

// ManifestPayload is the AEAD plaintext of a MANIFEST frame.
type ManifestPayload struct {
	Raw json.RawMessage `json:"manifest"`
}

// CapsuleRequestPayload is the AEAD plaintext of a CAPSULE_REQUEST frame.
type CapsuleRequestPayload struct {
	CapsuleID uuid.UUID `json:"capsule_id"`
}

// MessagePayload is the AEAD plaintext of a MESSAGE frame: a user-to-user
// message relayed hub-to-hub. Unlike CapsulePayload it carries no signature
// of its own; AEAD confidentiality and the wire header's src_id are its only
// authenticity guarantee, matching the trust level of a QUERY.
type MessagePayload struct {
	MessageID   uuid.UUID `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Content     string    `json:"content"`
	SourceHubID string    `json:"source_hub_id,omitempty"`
	TargetHubID string    `json:"target_hub_id,omitempty"`
}

// MarshalPayload is a thin wrapper so callers don't sprinkle json.Marshal
// calls with inconsistent error handling across the hub packages.
func MarshalPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("netproto: marshal payload: %w", err)
	}
	return b, nil
}

func UnmarshalQuery(b []byte) (QueryPayload, error) {
	var p QueryPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func UnmarshalCapsule(b []byte) (CapsulePayload, error) {
	var p CapsulePayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func UnmarshalAck(b []byte) (AckPayload, error) {
	var p AckPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func UnmarshalNak(b []byte) (NakPayload, error) {
	var p NakPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func UnmarshalManifest(b []byte) (ManifestPayload, error) {
	var p ManifestPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func UnmarshalCapsuleRequest(b []byte) (CapsuleRequestPayload, error) {
	var p CapsuleRequestPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func UnmarshalMessage(b []byte) (MessagePayload, error) {
	var p MessagePayload
	err := json.Unmarshal(b, &p)
	return p, err
}
