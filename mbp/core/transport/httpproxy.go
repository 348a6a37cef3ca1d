package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"

	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/state"
)

// dialHTTPProxy reaches dst via an upstream HTTP(S) proxy's CONNECT
// method (spec.md §3's ProtocolSpec http{addr, tls, auth?}), then
// writes initialData as the first bytes of the now-tunnelled stream.
func dialHTTPProxy(ctx context.Context, spec state.ProtocolSpec, dst netaddr.Address, initialData []byte) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", spec.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial http proxy %s: %w", spec.Addr, err)
	}
	if spec.TLS {
		tconn := tls.Client(conn, &tls.Config{ServerName: hostOnly(spec.Addr)})
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls handshake with %s: %w", spec.Addr, err)
		}
		conn = tconn
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", dst.String(), dst.String())
	if spec.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(spec.Username + ":" + spec.Password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: write CONNECT request: %w", err)
	}

	r := bufio.NewReader(conn)
	resp, err := http.ReadResponse(r, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("transport: upstream CONNECT rejected: %s", resp.Status)
	}

	wrapped := &bufferedConn{Conn: conn, r: r}
	if len(initialData) > 0 {
		if _, err := wrapped.Write(initialData); err != nil {
			wrapped.Close()
			return nil, fmt.Errorf("transport: write initial data: %w", err)
		}
	}
	return wrapped, nil
}

// bufferedConn preserves any bytes ReadResponse already buffered past
// the status line/headers, so nothing the upstream sent immediately
// after the 200 is lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
