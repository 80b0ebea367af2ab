package netproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ChunkHeaderSize is packet_id(16) | chunk_index(2) | chunk_count(2).
const ChunkHeaderSize = 16 + 2 + 2

// Chunk is one fragment of an encoded Packet, produced by NetSim when the
// encoded frame exceeds max_chunk_size_bytes.
type Chunk struct {
	PacketID   uuid.UUID
	ChunkIndex uint16
	ChunkCount uint16
	Bytes      []byte
}

func (c Chunk) Encode() []byte {
	out := make([]byte, ChunkHeaderSize+len(c.Bytes))
	copy(out, c.PacketID[:])
	binary.BigEndian.PutUint16(out[16:], c.ChunkIndex)
	binary.BigEndian.PutUint16(out[18:], c.ChunkCount)
	copy(out[ChunkHeaderSize:], c.Bytes)
	return out
}

func DecodeChunk(b []byte) (Chunk, error) {
	if len(b) < ChunkHeaderSize {
		return Chunk{}, errors.New("netproto: short chunk header")
	}
	var c Chunk
	copy(c.PacketID[:], b[:16])
	c.ChunkIndex = binary.BigEndian.Uint16(b[16:18])
	c.ChunkCount = binary.BigEndian.Uint16(b[18:20])
	c.Bytes = append([]byte(nil), b[ChunkHeaderSize:]...)
	if c.ChunkCount == 0 || c.ChunkIndex >= c.ChunkCount {
		return Chunk{}, fmt.Errorf("netproto: chunk index %d out of range for count %d", c.ChunkIndex, c.ChunkCount)
	}
	return c, nil
}

// Fragment splits an encoded packet into ceil(len/chunkSize) chunks, each
// carrying the full packet_id and chunk_count so receivers can reassemble
// independent of arrival order.
func Fragment(packetID uuid.UUID, encoded []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, errors.New("netproto: chunkSize must be positive")
	}
	if len(encoded) == 0 {
		return nil, errors.New("netproto: cannot fragment empty payload")
	}
	count := (len(encoded) + chunkSize - 1) / chunkSize
	if count > int(^uint16(0)) {
		return nil, errors.New("netproto: too many chunks for a uint16 count")
	}
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, Chunk{
			PacketID:   packetID,
			ChunkIndex: uint16(i),
			ChunkCount: uint16(count),
			Bytes:      encoded[start:end],
		})
	}
	return chunks, nil
}

// Reassembler buffers chunks for a single packet_id until every index from
// 0..chunk_count-1 has arrived, then returns the concatenated bytes in
// index order regardless of arrival order.
type Reassembler struct {
	count    uint16
	received map[uint16][]byte
}

func NewReassembler() *Reassembler {
	return &Reassembler{received: make(map[uint16][]byte)}
}

// Add stores one chunk. It returns the reassembled packet bytes and true
// once every chunk_count distinct index has been seen.
func (r *Reassembler) Add(c Chunk) ([]byte, bool, error) {
	if r.count == 0 {
		r.count = c.ChunkCount
	} else if r.count != c.ChunkCount {
		return nil, false, fmt.Errorf("netproto: inconsistent chunk_count %d vs %d", c.ChunkCount, r.count)
	}
	if _, ok := r.received[c.ChunkIndex]; !ok {
		r.received[c.ChunkIndex] = c.Bytes
	}
	if len(r.received) < int(r.count) {
		return nil, false, nil
	}
	indices := make([]uint16, 0, len(r.received))
	for idx := range r.received {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	total := 0
	for _, idx := range indices {
		total += len(r.received[idx])
	}
	out := make([]byte, 0, total)
	for _, idx := range indices {
		out = append(out, r.received[idx]...)
	}
	return out, true, nil
}
