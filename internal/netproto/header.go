// Package netproto implements the wire codec: fixed-size packet headers,
// chunk framing for fragmentation, and the JSON envelopes carried as AEAD
// plaintext for each message type. It has no knowledge of transport
// (NetSim, QUIC) or storage; it only encodes and decodes bytes.
package netproto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MessageType discriminates the seven wire-level frame kinds. An ERROR
// condition from a main hub's Answer call travels as a CAPSULE frame whose
// payload has a non-empty error_code, not as a distinct wire type.
type MessageType byte

const (
	TypeQuery          MessageType = 1
	TypeCapsule        MessageType = 2
	TypeAck            MessageType = 3
	TypeNak            MessageType = 4
	TypeManifest       MessageType = 5
	TypeCapsuleRequest MessageType = 6
	TypeMessage        MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypeQuery:
		return "QUERY"
	case TypeCapsule:
		return "CAPSULE"
	case TypeAck:
		return "ACK"
	case TypeNak:
		return "NAK"
	case TypeManifest:
		return "MANIFEST"
	case TypeCapsuleRequest:
		return "CAPSULE_REQUEST"
	case TypeMessage:
		return "MESSAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

func (t MessageType) Valid() bool {
	return t >= TypeQuery && t <= TypeMessage
}

// NodeID is the 16-byte source/destination identifier carried in every
// header. Hubs derive it from their node name with DeriveNodeID.
type NodeID [16]byte

func (id NodeID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

const (
	HeaderSize = 1 + 1 + 1 + 1 + 16 + 16 + 16 + 12 + 4
	NonceSize  = 12
	TagSize    = 16
)

// Header is the fixed-size, big-endian packet header described by the wire
// format: version | type | flags | reserved | packet_id | src_id | dst_id |
// nonce | payload_len.
type Header struct {
	Version    byte
	Type       MessageType
	Flags      byte
	Reserved   byte
	PacketID   uuid.UUID
	SrcID      NodeID
	DstID      NodeID
	Nonce      [NonceSize]byte
	PayloadLen uint32
}

const CurrentVersion = 1

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	buf[2] = h.Flags
	buf[3] = h.Reserved
	off := 4
	copy(buf[off:], h.PacketID[:])
	off += 16
	copy(buf[off:], h.SrcID[:])
	off += 16
	copy(buf[off:], h.DstID[:])
	off += 16
	copy(buf[off:], h.Nonce[:])
	off += NonceSize
	binary.BigEndian.PutUint32(buf[off:], h.PayloadLen)
	return buf
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.New("netproto: short header")
	}
	var h Header
	h.Version = b[0]
	h.Type = MessageType(b[1])
	h.Flags = b[2]
	h.Reserved = b[3]
	off := 4
	copy(h.PacketID[:], b[off:off+16])
	off += 16
	copy(h.SrcID[:], b[off:off+16])
	off += 16
	copy(h.DstID[:], b[off:off+16])
	off += 16
	copy(h.Nonce[:], b[off:off+NonceSize])
	off += NonceSize
	h.PayloadLen = binary.BigEndian.Uint32(b[off:])
	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("netproto: unknown message type %d", h.Type)
	}
	return h, nil
}

// Packet is a decoded wire frame: header plus AEAD ciphertext and its
// separately carried auth tag.
type Packet struct {
	Header     Header
	Ciphertext []byte
	Tag        [TagSize]byte
}

// Encode serializes p as header || ciphertext || tag.
func (p Packet) Encode() []byte {
	h := p.Header
	h.PayloadLen = uint32(len(p.Ciphertext))
	out := make([]byte, 0, HeaderSize+len(p.Ciphertext)+TagSize)
	out = append(out, h.encode()...)
	out = append(out, p.Ciphertext...)
	out = append(out, p.Tag[:]...)
	return out
}

// Decode parses a wire frame produced by Encode.
func Decode(b []byte) (Packet, error) {
	h, err := decodeHeader(b)
	if err != nil {
		return Packet{}, err
	}
	rest := b[HeaderSize:]
	want := int(h.PayloadLen) + TagSize
	if len(rest) != want {
		return Packet{}, fmt.Errorf("netproto: payload length mismatch: have %d want %d", len(rest), want)
	}
	p := Packet{Header: h, Ciphertext: append([]byte(nil), rest[:h.PayloadLen]...)}
	copy(p.Tag[:], rest[h.PayloadLen:])
	return p, nil
}

// SealedBytes returns ciphertext with the auth tag appended, the form the
// AES-GCM AEAD expects on Open.
func (p Packet) SealedBytes() []byte {
	out := make([]byte, 0, len(p.Ciphertext)+TagSize)
	out = append(out, p.Ciphertext...)
	out = append(out, p.Tag[:]...)
	return out
}

// SplitSealed separates an AEAD Seal() result into ciphertext and tag for
// storage into a Packet.
func SplitSealed(sealed []byte) (ciphertext []byte, tag [TagSize]byte, err error) {
	if len(sealed) < TagSize {
		return nil, tag, errors.New("netproto: sealed payload shorter than tag")
	}
	n := len(sealed) - TagSize
	ciphertext = append([]byte(nil), sealed[:n]...)
	copy(tag[:], sealed[n:])
	return ciphertext, tag, nil
}
