package network

import "sync"

// peerLimiter caps concurrent connections and streams per remote peer,
// keyed by address. A Bridge dials one address per registered node ID, so
// an address is an adequate stand-in for node identity at this layer: the
// wire header carrying the real src NodeID isn't readable until a chunk's
// packet fully reassembles, well above the QUIC accept/stream boundary
// this type polices. It protects a hub from a single misbehaving peer
// exhausting connection or stream slots meant to be shared across all of
// them.
type peerLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newPeerLimiter(maxConns, maxStreams int) *peerLimiter {
	return &peerLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func (l *peerLimiter) acquireConn(peer string) bool {
	if l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[peer] >= l.maxConns {
		return false
	}
	l.connCounts[peer]++
	return true
}

func (l *peerLimiter) releaseConn(peer string) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[peer] <= 1 {
		delete(l.connCounts, peer)
		return
	}
	l.connCounts[peer]--
}

func (l *peerLimiter) acquireStream(peer string) bool {
	if l.maxStreams <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamCounts[peer] >= l.maxStreams {
		return false
	}
	l.streamCounts[peer]++
	return true
}

func (l *peerLimiter) releaseStream(peer string) {
	if l.maxStreams <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamCounts[peer] <= 1 {
		delete(l.streamCounts, peer)
		return
	}
	l.streamCounts[peer]--
}
