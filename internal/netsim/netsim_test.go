package netsim

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/netproto"
)

type recorder struct {
	mu       sync.Mutex
	packets  [][]byte
	acks     []uuid.UUID
	naks     []uuid.UUID
	gotFirst chan struct{}
	once     sync.Once
}

func newRecorder() *recorder {
	return &recorder{gotFirst: make(chan struct{})}
}

func (r *recorder) OnPacket(encoded []byte) {
	r.mu.Lock()
	r.packets = append(r.packets, encoded)
	r.mu.Unlock()
	r.once.Do(func() { close(r.gotFirst) })
}

func (r *recorder) OnAck(packetID [16]byte) {
	r.mu.Lock()
	r.acks = append(r.acks, uuid.UUID(packetID))
	r.mu.Unlock()
}

func (r *recorder) OnNak(packetID [16]byte, chunkIndex uint16) {
	r.mu.Lock()
	r.naks = append(r.naks, uuid.UUID(packetID))
	r.mu.Unlock()
}

func (r *recorder) count() (packets, acks, naks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets), len(r.acks), len(r.naks)
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func fastConfig() Config {
	return Config{
		BaseLatencyMs:          1,
		LatencyJitterMs:        1,
		LossProbability:        0,
		BandwidthBytesPerSec:   1 << 20,
		MaxChunkSizeBytes:      32,
		AutoChunkLargePayloads: true,
	}
}

func TestSubmitPacketDeliversAndAcks(t *testing.T) {
	e := New(fastConfig(), nil)
	src := netproto.DeriveNodeID("mini")
	dst := netproto.DeriveNodeID("main")
	srcRec, dstRec := newRecorder(), newRecorder()
	e.Register(src, srcRec)
	e.Register(dst, dstRec)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	id := uuid.New()
	if err := e.SubmitPacket(payload, id, src, dst); err != nil {
		t.Fatalf("SubmitPacket: %v", err)
	}

	waitFor(t, func() bool {
		p, a, _ := dstRec.count()
		_, srcAcks, _ := srcRec.count()
		return p == 1 && a == 0 && srcAcks == 1
	}, time.Second)

	dstRec.mu.Lock()
	got := dstRec.packets[0]
	dstRec.mu.Unlock()
	if string(got) != string(payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestSubmitPacketOversizedRejectedWithoutAutoChunk(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoChunkLargePayloads = false
	cfg.MaxChunkSizeBytes = 8
	e := New(cfg, nil)
	src := netproto.DeriveNodeID("mini")
	dst := netproto.DeriveNodeID("main")
	e.Register(src, newRecorder())
	e.Register(dst, newRecorder())

	err := e.SubmitPacket(make([]byte, 64), uuid.New(), src, dst)
	if err != ErrOversized {
		t.Fatalf("expected ErrOversized, got %v", err)
	}
}

func TestSubmitPacketUnknownDestination(t *testing.T) {
	e := New(fastConfig(), nil)
	src := netproto.DeriveNodeID("mini")
	e.Register(src, newRecorder())
	dst := netproto.DeriveNodeID("ghost")

	err := e.SubmitPacket([]byte("hi"), uuid.New(), src, dst)
	if err != ErrUnknownDestination {
		t.Fatalf("expected ErrUnknownDestination, got %v", err)
	}
}

func TestSubmitPacketFullLossProducesNaksNoDelivery(t *testing.T) {
	cfg := fastConfig()
	cfg.LossProbability = 1.0
	e := New(cfg, nil)
	src := netproto.DeriveNodeID("mini")
	dst := netproto.DeriveNodeID("main")
	srcRec, dstRec := newRecorder(), newRecorder()
	e.Register(src, srcRec)
	e.Register(dst, dstRec)

	if err := e.SubmitPacket([]byte("hello world"), uuid.New(), src, dst); err != nil {
		t.Fatalf("SubmitPacket: %v", err)
	}

	waitFor(t, func() bool {
		_, _, naks := srcRec.count()
		return naks >= 1
	}, time.Second)

	p, _, _ := dstRec.count()
	if p != 0 {
		t.Fatalf("expected no delivery under full loss, got %d packets", p)
	}
}

func TestUpdateConfigAffectsFutureSubmits(t *testing.T) {
	e := New(fastConfig(), nil)
	src := netproto.DeriveNodeID("mini")
	dst := netproto.DeriveNodeID("main")
	srcRec, dstRec := newRecorder(), newRecorder()
	e.Register(src, srcRec)
	e.Register(dst, dstRec)

	lossy := fastConfig()
	lossy.LossProbability = 1.0
	e.UpdateConfig(lossy)

	if err := e.SubmitPacket([]byte("x"), uuid.New(), src, dst); err != nil {
		t.Fatalf("SubmitPacket: %v", err)
	}
	waitFor(t, func() bool {
		_, _, naks := srcRec.count()
		return naks >= 1
	}, time.Second)
}
