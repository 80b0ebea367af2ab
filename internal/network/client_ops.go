package network

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	quic "github.com/quic-go/quic-go"

	"capsulemesh/internal/debuglog"
	"capsulemesh/internal/netproto"
)

var clientConns = newClientPool(clientConnIdle)

func debugLog(format string, args ...any) {
	debuglog.Debugf(format, args...)
}

func logInfo(format string, args ...any) {
	debuglog.Logf(format, args...)
}

func dialConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// SendWithContext delivers data to id at addr and does not wait for a
// response frame, used for chunk and ACK frames where the mini/main hub correlates
// replies by packet_id out of band instead of on the same stream.
func SendWithContext(ctx context.Context, id netproto.NodeID, addr string, data []byte, insecure, devTLS bool, devTLSCAPath string) error {
	_, err := exchange(ctx, id, addr, data, insecure, devTLS, devTLSCAPath, false)
	return err
}

// ExchangeWithContext delivers data to id at addr and returns the response
// frame, retrying the whole dial+write+read sequence with backoff on
// failure.
func ExchangeWithContext(ctx context.Context, id netproto.NodeID, addr string, data []byte, insecure, devTLS bool, devTLSCAPath string) ([]byte, error) {
	return exchange(ctx, id, addr, data, insecure, devTLS, devTLSCAPath, true)
}

func exchange(ctx context.Context, id netproto.NodeID, addr string, data []byte, insecure, devTLS bool, devTLSCAPath string, wantReply bool) ([]byte, error) {
	tlsConf, err := clientTLSConfig(insecure, devTLS, devTLSCAPath)
	if err != nil {
		return nil, err
	}
	quicConf := dialConfig()
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
		resp, err := attemptOnce(ctx, id, addr, tlsConf, quicConf, data, wantReply)
		if err == nil {
			clientConns.resetFailures(id)
			return resp, nil
		}
		lastErr = err
		if !backoffRetry(ctx, clientConns.recordFailure(id)) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("network: exchange failed")
	}
	return nil, lastErr
}

func attemptOnce(ctx context.Context, id netproto.NodeID, addr string, tlsConf *tls.Config, quicConf *quic.Config, data []byte, wantReply bool) ([]byte, error) {
	conn, err := clientConns.get(ctx, id, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		clientConns.drop(id, conn, "open stream failed")
		return nil, err
	}
	defer stream.Close()

	if err := writeFrameWithTimeout(stream, streamRWTimeout, data); err != nil {
		clientConns.drop(id, conn, "write failed")
		return nil, err
	}
	debugLog("network: wrote %d bytes to %s", len(data), addr)
	if !wantReply {
		clientConns.touch(id, conn)
		return nil, nil
	}
	resp, err := readFrameWithTimeout(stream, streamRWTimeout)
	if err != nil {
		clientConns.drop(id, conn, "read failed")
		return nil, err
	}
	clientConns.touch(id, conn)
	return resp, nil
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
