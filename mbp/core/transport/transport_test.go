package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/state"
)

func TestDialHTTPProxyConnectTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		req, err := http.ReadRequest(r)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		buf := make([]byte, 5)
		io.ReadFull(r, buf)
		if string(buf) == "hello" {
			conn.Write([]byte("world"))
		}
	}()

	spec := state.ProtocolSpec{Kind: state.ProtocolHTTP, Addr: ln.Addr().String()}
	dst := netaddr.Name("example.com", 80)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialHTTPProxy(ctx, spec, dst, []byte("hello"))
	if err != nil {
		t.Fatalf("dialHTTPProxy: %v", err)
	}
	defer conn.Close()

	resp := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "world" {
		t.Fatalf("unexpected response: %q", resp)
	}
	<-done
}

func TestDialSocks5UpstreamConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		greeting := make([]byte, 3)
		if _, err := io.ReadFull(r, greeting); err != nil {
			return
		}
		conn.Write([]byte{0x05, 0x00})

		head := make([]byte, 3)
		if _, err := io.ReadFull(r, head); err != nil {
			return
		}
		if _, _, err := readBoundAddress(r); err != nil {
			return
		}

		reply := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
		conn.Write(reply)
	}()

	spec := state.ProtocolSpec{Kind: state.ProtocolSocks5, Addr: ln.Addr().String()}
	dst := netaddr.Name("example.com", 443)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialSocks5Upstream(ctx, spec, dst)
	if err != nil {
		t.Fatalf("dialSocks5Upstream: %v", err)
	}
	conn.Close()
	<-done
}
