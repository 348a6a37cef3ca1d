package transport

import (
	"context"
	"net"

	"mlkmbp/mbp/common/ttls"
	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/state"
	"mlkmbp/mbp/core/transport/tcpman"
)

// dialTcpman is the ProtocolTcpman arm of Dial; it delegates to the
// tcpman package's full client handshake (spec.md §4.5).
func dialTcpman(ctx context.Context, spec state.ProtocolSpec, dst netaddr.Address, initialData []byte) (net.Conn, error) {
	dialSpec := tcpman.DialSpec{
		Addr:        spec.Addr,
		TLS:         spec.TLS,
		Password:    spec.TunnelPassword,
		Dst:         dst,
		InitialData: initialData,
	}
	if spec.TLS {
		host, _, err := net.SplitHostPort(spec.Addr)
		if err != nil {
			host = spec.Addr
		}
		dialSpec.TLSConfig = ttls.ClientTLSConfig(host, false)
	}
	return tcpman.Dial(ctx, dialSpec)
}
