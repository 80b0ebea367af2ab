// Package netsim is the sole transport between hubs: it degrades traffic
// according to a runtime-mutable policy (latency, loss, bandwidth pacing,
// reordering), fragments and reassembles packets into chunks, and emits
// ACK/NAK feedback. Endpoints Register-ed on one Engine exchange packets in
// process, which is how the tests run; a QUIC-backed Bridge (bridge.go)
// carries process-level runs — both sit on top of the same Engine so the
// degradation policy is identical in both modes.
package netsim

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"capsulemesh/internal/debuglog"
	"capsulemesh/internal/metrics"
	"capsulemesh/internal/netproto"
)

// ErrOversized is returned synchronously by SubmitPacket when the encoded
// frame exceeds max_chunk_size_bytes and auto-chunking is disabled.
var ErrOversized = errors.New("netsim: OVERSIZED")

// ErrUnknownDestination is returned when dst has no registered endpoint.
var ErrUnknownDestination = errors.New("netsim: UNKNOWN_DESTINATION")

// Endpoint receives pushed callbacks from an Engine: a reassembled packet
// addressed to this node, or an ACK/NAK for a packet this node submitted.
type Endpoint interface {
	OnPacket(encoded []byte)
	OnAck(packetID [16]byte)
	OnNak(packetID [16]byte, chunkIndex uint16)
}

// Transport lets an Engine reach a destination with no locally Registered
// Endpoint by physically transmitting chunks to another process, and
// routes the ACK that process owes back once it reassembles. A Bridge
// (bridge.go) is the QUIC-backed implementation; tests have no need for
// one since Register alone is enough for same-process delivery.
type Transport interface {
	HasRoute(dst netproto.NodeID) bool
	SendChunk(ctx context.Context, dst netproto.NodeID, c netproto.Chunk) error
	SendAck(ctx context.Context, src netproto.NodeID, packetID [16]byte) error
}

// Engine is the simulator core. It is transport-agnostic: in-process
// Register-ed endpoints and the QUIC Bridge both drive the same
// SubmitPacket/Register surface.
type Engine struct {
	cfgMu sync.RWMutex
	cfg   Config

	limiterMu sync.Mutex
	limiter   *rate.Limiter

	nodesMu sync.RWMutex
	nodes   map[netproto.NodeID]Endpoint

	reassemblyMu sync.Mutex
	reassembly   map[[16]byte]*reassemblyState

	transportMu sync.RWMutex
	transport   Transport

	metrics *metrics.Metrics
}

type reassemblyState struct {
	r       *netproto.Reassembler
	src     netproto.NodeID
	dst     netproto.NodeID
	timer   *time.Timer
}

func New(cfg Config, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.New()
	}
	e := &Engine{
		cfg:        cfg,
		nodes:      make(map[netproto.NodeID]Endpoint),
		reassembly: make(map[[16]byte]*reassemblyState),
		metrics:    m,
	}
	e.limiter = newLimiter(cfg)
	return e
}

func newLimiter(cfg Config) *rate.Limiter {
	bw := cfg.BandwidthBytesPerSec
	if bw <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := bw
	if burst > 1<<20 {
		burst = 1 << 20
	}
	return rate.NewLimiter(rate.Limit(bw), burst)
}

// UpdateConfig atomically replaces the simulator's configuration. In-flight
// frames already admitted keep the snapshot they captured at admission.
func (e *Engine) UpdateConfig(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.limiterMu.Lock()
	e.limiter = newLimiter(cfg)
	e.limiterMu.Unlock()
}

func (e *Engine) snapshot() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Register binds id to an Endpoint so the engine can push OnPacket/OnAck/
// OnNak callbacks to it. Each hub registers exactly one node ID.
func (e *Engine) Register(id netproto.NodeID, ep Endpoint) {
	e.nodesMu.Lock()
	e.nodes[id] = ep
	e.nodesMu.Unlock()
}

func (e *Engine) endpoint(id netproto.NodeID) (Endpoint, bool) {
	e.nodesMu.RLock()
	defer e.nodesMu.RUnlock()
	ep, ok := e.nodes[id]
	return ep, ok
}

// SetTransport wires a Bridge (or any Transport) so destinations with no
// local Endpoint are reachable over a real connection instead of being
// rejected as UNKNOWN_DESTINATION.
func (e *Engine) SetTransport(t Transport) {
	e.transportMu.Lock()
	e.transport = t
	e.transportMu.Unlock()
}

func (e *Engine) getTransport() Transport {
	e.transportMu.RLock()
	defer e.transportMu.RUnlock()
	return e.transport
}

// SubmitPacket admits an already-encoded wire frame for delivery from src
// to dst. It returns synchronously only for admission failures (OVERSIZED,
// UNKNOWN_DESTINATION); all later outcomes (loss, ACK, NAK) arrive as
// pushed Endpoint callbacks.
func (e *Engine) SubmitPacket(encoded []byte, packetID [16]byte, src, dst netproto.NodeID) error {
	cfg := e.snapshot()
	_, localDst := e.endpoint(dst)
	transport := e.getTransport()
	remoteDst := transport != nil && transport.HasRoute(dst)
	if !localDst && !remoteDst {
		e.metrics.IncUnknownDestination()
		return ErrUnknownDestination
	}
	if cfg.MaxChunkSizeBytes <= 0 {
		return errors.New("netsim: max_chunk_size_bytes must be positive")
	}
	if len(encoded) > cfg.MaxChunkSizeBytes && !cfg.AutoChunkLargePayloads {
		e.metrics.IncOversized()
		return ErrOversized
	}

	chunks, err := netproto.Fragment(packetID, encoded, cfg.MaxChunkSizeBytes)
	if err != nil {
		// Fragment fails only for an empty payload or one needing more than
		// 65535 chunks; send such a payload as a single chunk.
		chunks = []netproto.Chunk{{PacketID: packetID, ChunkIndex: 0, ChunkCount: 1, Bytes: encoded}}
	}

	if localDst {
		e.reassemblyMu.Lock()
		if _, exists := e.reassembly[packetID]; !exists {
			rs := &reassemblyState{r: netproto.NewReassembler(), src: src, dst: dst}
			rs.timer = time.AfterFunc(cfg.ReassemblyTimeout(), func() { e.expireReassembly(packetID) })
			e.reassembly[packetID] = rs
		}
		e.reassemblyMu.Unlock()
	}

	for _, c := range chunks {
		go e.deliverChunk(cfg, c, src, dst)
	}
	return nil
}

func (e *Engine) deliverChunk(cfg Config, c netproto.Chunk, src, dst netproto.NodeID) {
	jitter := jitterDuration(cfg.LatencyJitterMs)
	baseDelay := time.Duration(cfg.BaseLatencyMs)*time.Millisecond + jitter

	if rand.Float64() < cfg.LossProbability {
		time.Sleep(baseDelay)
		e.metrics.IncLostChunk()
		debuglog.RateLimitedf("netsim-loss", time.Second, "netsim: dropped chunk %d/%d of packet %x", c.ChunkIndex+1, c.ChunkCount, c.PacketID[:4])
		if ep, ok := e.endpoint(src); ok {
			ep.OnNak(c.PacketID, c.ChunkIndex)
		}
		return
	}

	delay := baseDelay
	if cfg.EnableReordering && cfg.ReorderWindowMs > 0 {
		delay += jitterDuration(cfg.ReorderWindowMs)
	}
	time.Sleep(delay)

	if err := e.limiterMuWaitN(context.Background(), len(c.Bytes)); err != nil {
		return
	}

	if _, ok := e.endpoint(dst); !ok {
		if t := e.getTransport(); t != nil {
			sendCtx, cancel := context.WithTimeout(context.Background(), cfg.ReassemblyTimeout())
			defer cancel()
			if err := t.SendChunk(sendCtx, dst, c); err != nil {
				debuglog.RateLimitedf("netsim-transport-send", time.Second, "netsim: send chunk to %s over transport: %v", dst, err)
			}
		}
		return
	}

	e.reassemblyMu.Lock()
	rs, ok := e.reassembly[c.PacketID]
	if !ok {
		e.reassemblyMu.Unlock()
		return
	}
	out, complete, err := rs.r.Add(c)
	e.reassemblyMu.Unlock()
	if err != nil {
		debuglog.Debugf("netsim: reassembly error for packet %x: %v", c.PacketID[:4], err)
		return
	}
	if !complete {
		return
	}

	e.reassemblyMu.Lock()
	if rs.timer != nil {
		rs.timer.Stop()
	}
	delete(e.reassembly, c.PacketID)
	e.reassemblyMu.Unlock()

	e.metrics.IncDelivered()
	if ep, ok := e.endpoint(dst); ok {
		ep.OnPacket(out)
	}
	if ep, ok := e.endpoint(src); ok {
		ep.OnAck(c.PacketID)
	}
}

// ReceiveChunk feeds a chunk that arrived over a Transport (from a remote
// process's Bridge) into this Engine's reassembly, without re-simulating
// degradation: the chunk already paid its latency/loss/pacing cost at the
// sending Engine. Unlike a locally submitted chunk, src/dst aren't known
// until reassembly completes and the packet header can be decoded.
func (e *Engine) ReceiveChunk(c netproto.Chunk) {
	cfg := e.snapshot()

	e.reassemblyMu.Lock()
	rs, ok := e.reassembly[c.PacketID]
	if !ok {
		rs = &reassemblyState{r: netproto.NewReassembler()}
		rs.timer = time.AfterFunc(cfg.ReassemblyTimeout(), func() { e.expireReassembly(c.PacketID) })
		e.reassembly[c.PacketID] = rs
	}
	out, complete, err := rs.r.Add(c)
	e.reassemblyMu.Unlock()
	if err != nil {
		debuglog.Debugf("netsim: reassembly error for inbound packet %x: %v", c.PacketID[:4], err)
		return
	}
	if !complete {
		return
	}

	e.reassemblyMu.Lock()
	if rs.timer != nil {
		rs.timer.Stop()
	}
	delete(e.reassembly, c.PacketID)
	e.reassemblyMu.Unlock()

	pkt, err := netproto.Decode(out)
	if err != nil {
		debuglog.Debugf("netsim: decode header of inbound packet %x: %v", c.PacketID[:4], err)
		return
	}

	e.metrics.IncDelivered()
	if ep, ok := e.endpoint(pkt.Header.DstID); ok {
		ep.OnPacket(out)
	}
	if t := e.getTransport(); t != nil {
		ackCtx, cancel := context.WithTimeout(context.Background(), cfg.ReassemblyTimeout())
		defer cancel()
		if err := t.SendAck(ackCtx, pkt.Header.SrcID, c.PacketID); err != nil {
			debuglog.RateLimitedf("netsim-transport-ack", time.Second, "netsim: send ack to %s over transport: %v", pkt.Header.SrcID, err)
		}
	}
}

// deliverAck routes an ACK that arrived over a Transport back to the local
// Endpoint that originally submitted the packet. Called by a Bridge when
// a remote Engine reports it finished reassembling.
func (e *Engine) deliverAck(localID netproto.NodeID, packetID [16]byte) {
	if ep, ok := e.endpoint(localID); ok {
		ep.OnAck(packetID)
	}
}

func (e *Engine) limiterMuWaitN(ctx context.Context, n int) error {
	e.limiterMu.Lock()
	lim := e.limiter
	e.limiterMu.Unlock()
	if n <= 0 {
		return nil
	}
	burst := lim.Burst()
	if burst > 0 && n > burst {
		n = burst
	}
	return lim.WaitN(ctx, n)
}

func (e *Engine) expireReassembly(packetID [16]byte) {
	e.reassemblyMu.Lock()
	_, ok := e.reassembly[packetID]
	delete(e.reassembly, packetID)
	e.reassemblyMu.Unlock()
	if ok {
		e.metrics.IncReassemblyTimeout()
	}
}

func jitterDuration(maxMs int) time.Duration {
	if maxMs <= 0 {
		return 0
	}
	return time.Duration(rand.Intn(maxMs+1)) * time.Millisecond
}
