package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"time"

	quic "github.com/quic-go/quic-go"

	"capsulemesh/internal/debuglog"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 8 * time.Second
	streamRWTimeout      = 8 * time.Second

	defaultMaxConnsPerPeer   = 4
	defaultMaxStreamsPerPeer = 32
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed cert from a fixed seed, so
// dev hubs trust each other without an out-of-band PKI. The server side
// always presents this cert; devTLS=false only makes a client verify against
// the system roots instead.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("capsulemesh-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"capsulemesh"},
	}, nil
}

// clientTLSConfig builds the client-side TLS config. insecure skips
// verification entirely (loopback testing only); devTLS trusts the fixed
// dev cert, optionally loaded from a PEM file at devTLSCAPath (falling back
// to the CAPSULEMESH_DEVTLS_CA_PATH env var, then the built-in dev cert).
func clientTLSConfig(insecure, devTLS bool, devTLSCAPath string) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{"capsulemesh"},
		}, nil
	}
	if !devTLS {
		return &tls.Config{NextProtos: []string{"capsulemesh"}}, nil
	}
	if devTLSCAPath == "" {
		devTLSCAPath = os.Getenv("CAPSULEMESH_DEVTLS_CA_PATH")
	}
	pool := x509.NewCertPool()
	if devTLSCAPath != "" {
		pemBytes, err := os.ReadFile(devTLSCAPath)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.New("network: no certificates found in dev CA file")
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{"capsulemesh"},
	}, nil
}

// ListenAndServe accepts QUIC connections and hands each complete frame
// read from a stream to handle. One frame per stream, matching the
// request/response shape a mini or main hub uses for QUERY/CAPSULE/ACK/NAK
// exchanges.
func ListenAndServe(addr string, handle func([]byte) []byte) error {
	return ListenAndServeWithReady(addr, nil, handle)
}

func ListenAndServeWithReady(addr string, ready chan<- struct{}, handle func([]byte) []byte) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		debuglog.Logf("network: quic listen error: %v", err)
		return err
	}
	debuglog.Logf("network: quic listen ready: %s", addr)
	if ready != nil {
		close(ready)
	}
	limiter := newPeerLimiter(defaultMaxConnsPerPeer, defaultMaxStreamsPerPeer)
	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			debuglog.Logf("network: quic accept error: %v", err)
			return err
		}
		peer := conn.RemoteAddr().String()
		if !limiter.acquireConn(peer) {
			debuglog.RateLimitedf("network-conn-cap", time.Second, "network: peer %s over connection cap, closing", peer)
			_ = conn.CloseWithError(0, "connection cap exceeded")
			continue
		}
		go serveConn(conn, peer, limiter, handle)
	}
}

func serveConn(conn *quic.Conn, peer string, limiter *peerLimiter, handle func([]byte) []byte) {
	defer limiter.releaseConn(peer)
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			debuglog.Debugf("network: accept stream error: %v", err)
			return
		}
		if !limiter.acquireStream(peer) {
			debuglog.RateLimitedf("network-stream-cap", time.Second, "network: peer %s over stream cap, closing", peer)
			stream.Close()
			continue
		}
		go serveStream(stream, peer, limiter, handle)
	}
}

func serveStream(stream *quic.Stream, peer string, limiter *peerLimiter, handle func([]byte) []byte) {
	defer limiter.releaseStream(peer)
	defer stream.Close()
	req, err := readFrameWithTimeout(stream, streamRWTimeout)
	if err != nil {
		debuglog.Debugf("network: read error: %v", err)
		return
	}
	resp := handle(req)
	if resp == nil {
		return
	}
	if err := writeFrameWithTimeout(stream, streamRWTimeout, resp); err != nil {
		debuglog.Debugf("network: write error: %v", err)
	}
}

// writeFrameWithTimeout sends a length-prefixed frame, bounded by a stream
// write deadline of timeout from now.
func writeFrameWithTimeout(stream *quic.Stream, timeout time.Duration, payload []byte) error {
	if err := stream.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	frame := encodeFrame(payload)
	_, err := stream.Write(frame)
	return err
}

// readFrameWithTimeout reads one length-prefixed frame.
func readFrameWithTimeout(stream *quic.Stream, timeout time.Duration) ([]byte, error) {
	if err := stream.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return decodeFrame(stream)
}

func encodeFrame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	putUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func decodeFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := getUint32(lenBuf[:])
	if n > 64<<20 {
		return nil, errors.New("network: frame too large")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
