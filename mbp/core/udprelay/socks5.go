package udprelay

import (
	"context"
	"net"
	"sync"

	"mlkmbp/mbp/core/udpframe"
)

// ServeSocks5UDP implements spec.md §4.7 topology A: one UDP socket
// serves every client datagram, tracking a last_client_addr cell so
// replies from the tunnel know where to send packets back to.
// Runs until ctx is cancelled or the socket errors.
func ServeSocks5UDP(ctx context.Context, sock *net.UDPConn, tunnel Tunnel) error {
	var mu sync.Mutex
	var lastClient *net.UDPAddr

	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, remote, err := sock.ReadFromUDP(buf)
			if err != nil {
				errCh <- err
				return
			}
			pkt, err := udpframe.DecodeSocks5UDP(buf[:n])
			if err != nil {
				continue // malformed packet: drop, keep serving
			}
			if pkt.Fragmented() {
				continue // spec.md §4.1: fragmented SOCKS5 UDP MUST be dropped
			}

			mu.Lock()
			lastClient = remote
			mu.Unlock()

			if err := tunnel.Send(pkt.Addr, pkt.Payload); err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			addr, payload, err := tunnel.Recv()
			if err != nil {
				errCh <- err
				return
			}

			mu.Lock()
			dst := lastClient
			mu.Unlock()
			if dst == nil {
				continue // no client has sent us anything yet
			}

			out, err := udpframe.EncodeSocks5UDP(nil, addr, payload)
			if err != nil {
				continue
			}
			if _, err := sock.WriteToUDP(out, dst); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
