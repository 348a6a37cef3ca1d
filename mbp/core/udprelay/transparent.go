package udprelay

import (
	"context"
	"io"
	"net"

	"mlkmbp/mbp/core/nat"
	"mlkmbp/mbp/core/netaddr"
)

// dnsPort is the well-known port that triggers spec.md §4.7.B's
// close-on-first-reply short-circuit for transparently redirected UDP
// (a DNS query has exactly one reply; there is no reason to hold the
// session open for the idle timeout).
const dnsPort = 53

// NewTunnel originates the upstream carrier for one transparent UDP
// session bound for dst. Each session gets its own Tunnel (and so its
// own tcpman connection), since — unlike topology A's single shared
// SOCKS5 UDP socket — transparent redirect has no client-side control
// connection to piggyback on.
type NewTunnel func(ctx context.Context, dst netaddr.Address) (Tunnel, error)

// ServeTransparentUDP implements spec.md §4.7 topology B: accepts
// redirected datagrams on sock (bound via nat.BindTransparentUDP),
// recovers each packet's pre-redirect destination, and relays it
// through a per-session Tunnel built by newTunnel. Runs until ctx is
// cancelled or the socket errors.
func ServeTransparentUDP(ctx context.Context, sock *net.UDPConn, newTunnel NewTunnel) error {
	table := NewTable(ctx)
	buf := make([]byte, 64*1024)

	for {
		n, src, dst, err := nat.ReadFromWithOriginalDst(sock, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		payload := append([]byte(nil), buf[:n]...)
		srcAddr := netaddr.IP(src.IP, uint16(src.Port))
		dstAddr := netaddr.IP(dst.IP, uint16(dst.Port))
		key := NewSessionKey(srcAddr, dstAddr)
		closeOnFirstReply := dst.Port == dnsPort

		srcCopy := *src
		session := table.GetOrCreate(key, closeOnFirstReply, func(sctx context.Context, s *Session) {
			runTransparentSession(sctx, s, sock, &srcCopy, dstAddr, newTunnel, table, key)
		})

		select {
		case session.Outgoing <- payload:
		default:
			// bounded-MPSC full (spec.md §4.7): drop rather than block the
			// accept loop.
		}
	}
}

// runTransparentSession owns one (src, orig_dst) flow's Tunnel for its
// lifetime: draining Session.Outgoing into the tunnel and pumping
// tunnel replies back to src, until ctx is cancelled (idle timeout or
// explicit Table.Remove) or either direction errors.
func runTransparentSession(ctx context.Context, s *Session, sock *net.UDPConn, src *net.UDPAddr, dst netaddr.Address, newTunnel NewTunnel, table *Table, key SessionKey) {
	defer table.Remove(key)

	tunnel, err := newTunnel(ctx, dst)
	if err != nil {
		return
	}
	if closer, ok := tunnel.(io.Closer); ok {
		go func() { <-ctx.Done(); closer.Close() }()
	}

	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-s.Outgoing:
				if err := tunnel.Send(dst, payload); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, payload, err := tunnel.Recv()
			if err != nil {
				return
			}
			if _, err := sock.WriteToUDP(payload, src); err != nil {
				return
			}
			if s.CloseOnFirstReply {
				return
			}
		}
	}()

	<-done
}
