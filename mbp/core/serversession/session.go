// Package serversession implements the upstream-side mirror of
// spec.md §4.8: accept a tcpman tunnel connection, decode its
// ProxyRequest, dial the real destination, and relay bytes both ways
// under the negotiated ciphers.
package serversession

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"mlkmbp/mbp/core/handshake"
	"mlkmbp/mbp/core/relay"
	"mlkmbp/mbp/core/transport/tcpman"
	"mlkmbp/mbp/core/udprelay"
)

// dialTimeout bounds the destination dial spec.md §4.8 step 2
// performs before answering the tunnel handshake.
const dialTimeout = 10 * time.Second

// Handle serves one accepted tunnel connection: parse the tcpman
// handshake, open the requested destination, answer success/failure
// over the tunnel, then relay.
func Handle(ctx context.Context, conn net.Conn, password string) error {
	defer conn.Close()

	req, responder, err := tcpman.Accept(conn, password)
	if err != nil {
		return fmt.Errorf("serversession: accept: %w", err)
	}

	if req.Kind == handshake.KindUDP {
		return handleUDP(ctx, req, responder)
	}
	return handleTCP(ctx, req, responder)
}

func handleTCP(ctx context.Context, req handshake.ProxyRequest, responder *tcpman.Responder) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	dest, err := d.DialContext(dialCtx, "tcp", req.Dst.String())
	if err != nil {
		_ = responder.RespondErr(502, "destination unreachable")
		return fmt.Errorf("serversession: dial destination %s: %w", req.Dst.String(), err)
	}
	defer dest.Close()

	if len(req.InitialData) > 0 {
		if _, err := dest.Write(req.InitialData); err != nil {
			_ = responder.RespondErr(502, "write initial data failed")
			return fmt.Errorf("serversession: write initial data: %w", err)
		}
	}

	tunnel, err := responder.Respond(dest)
	if err != nil {
		return fmt.Errorf("serversession: respond: %w", err)
	}

	relay.Copy(ctx, tunnel, dest)
	return nil
}

// handleUDP implements spec.md §4.8 step 3: acknowledge the tunnel
// handshake, then relay TCP-framed UDP packets between the tunnel and
// real UDP sockets dialed per destination, honouring close-on-first-
// reply for port 53 via udprelay's own session bookkeeping is not
// needed here — the tunnel already carries one packet stream per
// request, so a single Tunnel-to-Tunnel pump suffices.
func handleUDP(ctx context.Context, req handshake.ProxyRequest, responder *tcpman.Responder) error {
	stream, err := responder.Respond(nil)
	if err != nil {
		return fmt.Errorf("serversession: respond to udp associate: %w", err)
	}

	upstream := udprelay.NewStreamTunnel(stream)
	direct, err := udprelay.NewDirectTunnel()
	if err != nil {
		return fmt.Errorf("serversession: open udp socket: %w", err)
	}
	defer direct.(io.Closer).Close()

	if len(req.InitialData) > 0 && req.Dst.Port() != 0 {
		if err := direct.Send(req.Dst, req.InitialData); err != nil {
			return fmt.Errorf("serversession: send initial udp data: %w", err)
		}
	}

	return udprelay.Relay(ctx, upstream, direct)
}
