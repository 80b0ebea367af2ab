package netproto

import (
	"testing"

	"github.com/google/uuid"

	"capsulemesh/internal/testutil"
)

func FuzzDecodePacket(f *testing.F) {
	key := make([]byte, 32)
	src := DeriveNodeID("mini-1")
	dst := DeriveNodeID("main-1")
	pkt, err := Seal(staticKeyFor(key), TypeQuery, uuid.New(), src, dst, []byte(`{"question":"q"}`))
	if err == nil {
		f.Add(pkt.Encode())
	}
	f.Add([]byte{})
	f.Add(make([]byte, HeaderSize))

	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			p, err := Decode(data)
			if err != nil {
				return
			}
			_ = p.Encode()
		})
	})
}

func FuzzDecodeChunk(f *testing.F) {
	f.Add(Chunk{PacketID: uuid.New(), ChunkIndex: 0, ChunkCount: 1, Bytes: []byte("x")}.Encode())
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			c, err := DecodeChunk(data)
			if err != nil {
				return
			}
			_ = c.Encode()
		})
	})
}
