package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/state"
)

// socks5 wire constants mirrored from mbp/core/handshake's server-side
// constants; kept private here since this file speaks the client role
// of the same RFC1928 exchange.
const (
	socks5Version  = 0x05
	socks5AuthNone = 0x00
	socks5AuthUser = 0x02
	socks5CmdConn  = 0x01
	socks5RepOK    = 0x00
)

// dialSocks5Upstream reaches dst by speaking the SOCKS5 client role
// against an upstream SOCKS5 proxy (spec.md §3's ProtocolSpec
// socks5{addr, supports_udp}), negotiating username/password auth
// (RFC 1929) when the upstream spec carries credentials.
func dialSocks5Upstream(ctx context.Context, spec state.ProtocolSpec, dst netaddr.Address) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", spec.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial socks5 upstream %s: %w", spec.Addr, err)
	}

	methods := []byte{socks5AuthNone}
	if spec.Username != "" {
		methods = []byte{socks5AuthUser}
	}
	greeting := append([]byte{socks5Version, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: write socks5 greeting: %w", err)
	}

	r := bufio.NewReader(conn)
	ack := make([]byte, 2)
	if _, err := readFull(r, ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read socks5 greeting ack: %w", err)
	}
	if ack[0] != socks5Version {
		conn.Close()
		return nil, fmt.Errorf("transport: unexpected socks5 version %#x from upstream", ack[0])
	}

	switch ack[1] {
	case socks5AuthNone:
	case socks5AuthUser:
		if err := authenticateUserPass(conn, r, spec.Username, spec.Password); err != nil {
			conn.Close()
			return nil, err
		}
	default:
		conn.Close()
		return nil, fmt.Errorf("transport: upstream rejected all offered auth methods")
	}

	req := []byte{socks5Version, socks5CmdConn, 0x00}
	encoded, err := dst.WriteTo(req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: encode socks5 request: %w", err)
	}
	if _, err := conn.Write(encoded); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: write socks5 request: %w", err)
	}

	head := make([]byte, 3)
	if _, err := readFull(r, head); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read socks5 reply header: %w", err)
	}
	if head[1] != socks5RepOK {
		conn.Close()
		return nil, fmt.Errorf("transport: upstream socks5 CONNECT failed, rep=%#x", head[1])
	}
	if _, _, err := readBoundAddress(r); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read socks5 bound address: %w", err)
	}

	return &bufferedConn{Conn: conn, r: r}, nil
}

func authenticateUserPass(conn net.Conn, r *bufio.Reader, user, pass string) error {
	buf := []byte{0x01, byte(len(user))}
	buf = append(buf, user...)
	buf = append(buf, byte(len(pass)))
	buf = append(buf, pass...)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("transport: write socks5 auth: %w", err)
	}
	resp := make([]byte, 2)
	if _, err := readFull(r, resp); err != nil {
		return fmt.Errorf("transport: read socks5 auth response: %w", err)
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("transport: upstream socks5 auth rejected")
	}
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readBoundAddress consumes the ATYP-tagged bound address the SOCKS5
// reply carries, returning the number of bytes consumed.
func readBoundAddress(r *bufio.Reader) (int, netaddr.Address, error) {
	atyp, err := r.Peek(1)
	if err != nil {
		return 0, netaddr.Address{}, err
	}
	var total int
	switch atyp[0] {
	case netaddr.ATypIPv4:
		total = 1 + 4 + 2
	case netaddr.ATypIPv6:
		total = 1 + 16 + 2
	case netaddr.ATypDomain:
		hdr, err := r.Peek(2)
		if err != nil {
			return 0, netaddr.Address{}, err
		}
		total = 1 + 1 + int(hdr[1]) + 2
	default:
		return 0, netaddr.Address{}, fmt.Errorf("transport: unsupported bound address type %#x", atyp[0])
	}
	buf, err := r.Peek(total)
	if err != nil {
		return 0, netaddr.Address{}, err
	}
	n, addr, ok, err := netaddr.ParseWire(buf)
	if err != nil {
		return 0, netaddr.Address{}, err
	}
	if !ok || n != total {
		return 0, netaddr.Address{}, fmt.Errorf("transport: short bound address")
	}
	if _, err := r.Discard(total); err != nil {
		return 0, netaddr.Address{}, err
	}
	return total, addr, nil
}
