package handshake

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"mlkmbp/mbp/core/netaddr"
)

func TestAcceptDispatchesSocks5(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// Drain the server's replies: net.Pipe writes block until read.
		go io.Copy(io.Discard, client)
		client.Write([]byte{socks5Version, 1, authNoAuth})
		client.Write([]byte{socks5Version, cmdConnect, 0x00})
		addr := netaddr.IP(net.IPv4(1, 2, 3, 4), 7)
		encoded, _ := addr.WriteTo(nil)
		client.Write(encoded)
	}()

	errCh := make(chan error, 1)
	var gotKind Kind
	go func() {
		_, req, _, err := Accept(server)
		gotKind = req.Kind
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if gotKind != KindTCP {
			t.Fatalf("expected KindTCP, got %v", gotKind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
}

func TestAcceptDispatchesHTTP(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		io.Copy(client, bytes.NewBufferString("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	}()

	errCh := make(chan error, 1)
	var gotHost string
	go func() {
		_, req, _, err := Accept(server)
		gotHost = req.Dst.Host()
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if gotHost != "example.com" {
			t.Fatalf("expected example.com, got %q", gotHost)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
}

// TestAcceptReturnsConnWithPipelinedBytesIntact pins the fix for bytes
// the client sends immediately after the CONNECT line, before waiting
// for a reply: Accept's internal bufio.Reader can buffer them, and the
// returned net.Conn must still surface them to the next Read.
func TestAcceptReturnsConnWithPipelinedBytesIntact(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
		client.Write([]byte("pipelined-tls-clienthello"))
	}()

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		_, _, conn, err := Accept(server)
		resCh <- result{conn, err}
	}()

	var conn net.Conn
	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("Accept: %v", res.err)
		}
		conn = res.conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}

	got := make([]byte, len("pipelined-tls-clienthello"))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read pipelined bytes: %v", err)
	}
	if string(got) != "pipelined-tls-clienthello" {
		t.Fatalf("pipelined bytes lost: got %q", got)
	}
}
