package netsim

import (
	"context"
	"sync"

	"capsulemesh/internal/debuglog"
	"capsulemesh/internal/netproto"
	"capsulemesh/internal/network"
)

// frameKind discriminates the two signals a Bridge carries over a QUIC
// stream: a chunk (the only thing that travels through loss/pacing), and
// the ACK a remote Engine owes back to the original sender once it has
// fully reassembled a packet. NAK never crosses the wire: loss is
// simulated at the sender before a chunk is ever written to a stream, so
// the sender's own local Engine already has everything it needs to NAK
// its own src endpoint without round-tripping.
type frameKind byte

const (
	frameChunk frameKind = 0
	frameAck   frameKind = 1
)

// RemoteConfig is the dial policy for one remote node's QUIC listener.
type RemoteConfig struct {
	Addr         string
	Insecure     bool
	DevTLS       bool
	DevTLSCAPath string
}

// Bridge turns an in-process Engine into a real transport between OS
// processes: chunks that survive this node's simulated link degradation are
// written to a QUIC stream addressed to the destination's remote, and a
// listener feeds arriving chunks (and ACKs owed back to a remote sender)
// into this Engine without re-simulating degradation — a chunk that reached
// the wire has already paid its latency/loss/pacing cost at the sender.
type Bridge struct {
	Engine *Engine

	mu      sync.RWMutex
	remotes map[netproto.NodeID]RemoteConfig
}

// NewBridge wires e so its SubmitPacket calls reach remote nodes over QUIC
// in addition to any locally Register-ed Endpoint.
func NewBridge(e *Engine) *Bridge {
	b := &Bridge{Engine: e, remotes: make(map[netproto.NodeID]RemoteConfig)}
	e.SetTransport(b)
	return b
}

// RegisterRemote tells the bridge how to reach id's QUIC listener. Safe to
// call while SubmitPacket/SendChunk are in flight on other goroutines — a
// resolvingSubmitter re-registers a node's address after UNKNOWN_DESTINATION
// while the queue's retransmit worker keeps running.
func (b *Bridge) RegisterRemote(id netproto.NodeID, cfg RemoteConfig) {
	b.mu.Lock()
	b.remotes[id] = cfg
	b.mu.Unlock()
}

// HasRoute implements Engine's Transport interface.
func (b *Bridge) HasRoute(dst netproto.NodeID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.remotes[dst]
	return ok
}

func (b *Bridge) remoteConfig(id netproto.NodeID) (RemoteConfig, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg, ok := b.remotes[id]
	return cfg, ok
}

// SendChunk implements Engine's Transport interface: it ships an
// already-degraded chunk to dst's remote over a pooled QUIC connection.
func (b *Bridge) SendChunk(ctx context.Context, dst netproto.NodeID, c netproto.Chunk) error {
	cfg, ok := b.remoteConfig(dst)
	if !ok {
		return ErrUnknownDestination
	}
	frame := append([]byte{byte(frameChunk)}, c.Encode()...)
	return network.SendWithContext(ctx, dst, cfg.Addr, frame, cfg.Insecure, cfg.DevTLS, cfg.DevTLSCAPath)
}

// SendAck implements Engine's Transport interface: notify src's process
// that dst fully reassembled packetID.
func (b *Bridge) SendAck(ctx context.Context, src netproto.NodeID, packetID [16]byte) error {
	cfg, ok := b.remoteConfig(src)
	if !ok {
		return nil
	}
	frame := make([]byte, 1+16+16)
	frame[0] = byte(frameAck)
	copy(frame[1:], packetID[:])
	copy(frame[17:], src[:])
	return network.SendWithContext(ctx, src, cfg.Addr, frame, cfg.Insecure, cfg.DevTLS, cfg.DevTLSCAPath)
}

// Listen starts a QUIC server that routes every inbound frame — chunk or
// ACK — into the local Engine. It blocks until the listener fails.
func (b *Bridge) Listen(addr string) error {
	return network.ListenAndServe(addr, func(frame []byte) []byte {
		b.dispatch(frame)
		return nil
	})
}

func (b *Bridge) dispatch(frame []byte) {
	if len(frame) == 0 {
		return
	}
	switch frameKind(frame[0]) {
	case frameChunk:
		c, err := netproto.DecodeChunk(frame[1:])
		if err != nil {
			debuglog.Debugf("netsim: bridge: decode chunk: %v", err)
			return
		}
		b.Engine.ReceiveChunk(c)
	case frameAck:
		if len(frame) < 1+16+16 {
			return
		}
		var packetID [16]byte
		var localID netproto.NodeID
		copy(packetID[:], frame[1:17])
		copy(localID[:], frame[17:33])
		b.Engine.deliverAck(localID, packetID)
	default:
		debuglog.Debugf("netsim: bridge: unknown frame kind %d", frame[0])
	}
}
