// Package transport dials the four upstream protocol kinds of
// spec.md §3's ProtocolSpec tagged union: direct, HTTP CONNECT,
// SOCKS5, and tcpman. Grounded on the teacher's own dial-by-kind
// switch in the (now superseded) mbp/core/transport/pipe.go caller
// path, generalized from a single hardcoded relay into a tagged
// dispatch over state.ProtocolSpec.
package transport

import (
	"context"
	"fmt"
	"net"

	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/state"
)

// Dial connects to the upstream described by spec and returns a duplex
// net.Conn ready for the bidirectional copier, having already
// delivered initialData as the first bytes sent (inline in the
// handshake for tcpman, written right after the tunnel is up for the
// other protocols).
func Dial(ctx context.Context, spec state.ProtocolSpec, dst netaddr.Address, initialData []byte) (net.Conn, error) {
	var conn net.Conn
	var err error
	switch spec.Kind {
	case state.ProtocolDirect:
		conn, err = dialDirect(ctx, dst)
	case state.ProtocolHTTP:
		return dialHTTPProxy(ctx, spec, dst, initialData)
	case state.ProtocolSocks5:
		conn, err = dialSocks5Upstream(ctx, spec, dst)
	case state.ProtocolTcpman:
		return dialTcpman(ctx, spec, dst, initialData)
	default:
		return nil, fmt.Errorf("transport: unknown protocol kind %d", spec.Kind)
	}
	if err != nil {
		return nil, err
	}
	if len(initialData) > 0 {
		if _, err := conn.Write(initialData); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: write initial data: %w", err)
		}
	}
	return conn, nil
}
