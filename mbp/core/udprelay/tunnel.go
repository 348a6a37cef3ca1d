// Package udprelay implements spec.md §4.7's two UDP relay topologies:
// SOCKS5 UDP (A) and transparent TPROXY redirect (B). Grounded on
// original_source/app/src/socks5/relay.rs's
// copy_socks5_udp_to_stream/copy_stream_to_socks5_udp pair (the
// `last_addr` shared-cell pattern, expressed here with a mutex-guarded
// field rather than an async RwLock).
package udprelay

import (
	"bufio"
	"fmt"
	"net"

	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/udpframe"
)

// Tunnel is the upstream carrier for TCP-framed UDP packets: the
// tcpman tunnel connection once a UDP ProxyRequest has been granted.
type Tunnel interface {
	Send(addr netaddr.Address, payload []byte) error
	Recv() (netaddr.Address, []byte, error)
}

// streamTunnel implements Tunnel over a net.Conn carrying the
// TCP-framed UDP encoding (spec.md §4.1), as used by both the client
// side (conn is the tcpman stream) and the server side (conn is the
// same stream, directions reversed).
type streamTunnel struct {
	conn   net.Conn
	writer *udpframe.Writer
	reader *udpframe.Reader
	br     *bufio.Reader
	buf    []byte
}

// NewStreamTunnel wraps conn as a Tunnel.
func NewStreamTunnel(conn net.Conn) Tunnel {
	return &streamTunnel{conn: conn, writer: udpframe.NewWriter(), reader: udpframe.NewReader(), br: bufio.NewReader(conn)}
}

func (t *streamTunnel) Send(addr netaddr.Address, payload []byte) error {
	buf, err := t.writer.Encode(nil, addr, payload)
	if err != nil {
		return fmt.Errorf("udprelay: encode frame: %w", err)
	}
	_, err = t.conn.Write(buf)
	return err
}

// Recv reads and decodes exactly one TCP-framed packet, growing an
// internal buffer incrementally per the parser contract.
func (t *streamTunnel) Recv() (netaddr.Address, []byte, error) {
	for {
		if consumed, addr, payload, ok, err := t.reader.Decode(t.buf); err != nil {
			return netaddr.Address{}, nil, err
		} else if ok {
			out := append([]byte(nil), payload...)
			t.buf = append([]byte(nil), t.buf[consumed:]...)
			return addr, out, nil
		}

		chunk := make([]byte, 4096)
		n, err := t.br.Read(chunk)
		if n > 0 {
			t.buf = append(t.buf, chunk[:n]...)
		}
		if err != nil {
			return netaddr.Address{}, nil, err
		}
	}
}
