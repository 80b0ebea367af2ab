package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"capsulemesh/internal/netproto"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 30 * time.Second
	clientTimeout     = 8 * time.Second
)

type pooledConn struct {
	conn        *quic.Conn
	addr        string
	lastUsed    time.Time
	established time.Time
}

type addrFailure struct {
	count int
	last  time.Time
}

// clientPool caches outbound QUIC connections by the remote end's mesh
// NodeID rather than by address. A mini hub's CandidatePool can rotate
// which address reaches a given main hub across retries; keying on NodeID
// means a stale connection to that node's old address is recognized and
// redialed the moment a caller presents the new one, instead of the pool
// accumulating one forgotten entry per address ever tried for the same
// logical peer.
type clientPool struct {
	mu        sync.Mutex
	conns     map[netproto.NodeID]*pooledConn
	failures  map[netproto.NodeID]*addrFailure
	idleAfter time.Duration
}

func newClientPool(idleAfter time.Duration) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[netproto.NodeID]*pooledConn),
		failures:  make(map[netproto.NodeID]*addrFailure),
		idleAfter: idleAfter,
	}
}

func (p *clientPool) get(ctx context.Context, id netproto.NodeID, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[id]; ok {
		if ent.addr == addr && ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, id)
		conn := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	debugLog("quic dial to %s (node %s)", addr, id)
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	debugLog("quic conn established to %s (node %s)", addr, id)
	p.mu.Lock()
	p.conns[id] = &pooledConn{conn: conn, addr: addr, lastUsed: now, established: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) touch(id netproto.NodeID, conn *quic.Conn) {
	if p == nil || conn == nil {
		return
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[id]; ok && ent.conn == conn {
		ent.lastUsed = now
	}
	p.mu.Unlock()
}

func (p *clientPool) drop(id netproto.NodeID, conn *quic.Conn, reason string) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[id]; ok && ent.conn == conn {
		delete(p.conns, id)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) forget(id netproto.NodeID, conn *quic.Conn) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[id]; ok && ent.conn == conn {
		delete(p.conns, id)
	}
	p.mu.Unlock()
}

func (p *clientPool) establishedAt(id netproto.NodeID, conn *quic.Conn) (time.Time, bool) {
	if p == nil || conn == nil {
		return time.Time{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ent, ok := p.conns[id]
	if !ok || ent.conn != conn {
		return time.Time{}, false
	}
	return ent.established, !ent.established.IsZero()
}

func (p *clientPool) recordFailure(id netproto.NodeID) int {
	if p == nil {
		return 0
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[id]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[id] = ent
	}
	ent.count++
	ent.last = now
	return ent.count
}

func (p *clientPool) resetFailures(id netproto.NodeID) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.failures, id)
	p.mu.Unlock()
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), clientTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
