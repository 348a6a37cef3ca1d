package handshake

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"mlkmbp/mbp/common"
)

// Accept peeks the first byte of a freshly accepted connection and
// dispatches to the SOCKS5 or HTTP acceptor (spec.md §4.3): 0x05
// starts a SOCKS5 greeting, anything else is parsed as an HTTP
// request line.
//
// The returned net.Conn, not the caller's original conn, must be used
// for every read that follows (relaying, further protocol bytes): the
// handshake's internal bufio.Reader may have already buffered bytes
// the client pipelined right after the parsed fields, and reading
// conn directly would skip past them.
func Accept(conn net.Conn) (Handshaker, ProxyRequest, net.Conn, error) {
	r := bufio.NewReader(conn)
	bc := common.NewBufferedConn(conn, r)

	first, err := r.Peek(1)
	if err != nil {
		if err == io.EOF {
			return nil, ProxyRequest{}, nil, fmt.Errorf("handshake: connection closed before handshake: %w", err)
		}
		return nil, ProxyRequest{}, nil, fmt.Errorf("handshake: peek first byte: %w", err)
	}

	var h Handshaker
	var req ProxyRequest
	if first[0] == socks5Version {
		h, req, err = acceptSocks5(r, conn)
	} else {
		h, req, err = acceptHTTP(r, conn)
	}
	if err != nil {
		return nil, ProxyRequest{}, nil, err
	}
	return h, req, bc, nil
}
