package handshake

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"mlkmbp/mbp/core/netaddr"
)

func TestAcceptSocks5ConnectRoundTrip(t *testing.T) {
	var in bytes.Buffer
	in.Write([]byte{socks5Version, 1, authNoAuth}) // greeting: 1 method, no-auth
	in.Write([]byte{socks5Version, cmdConnect, 0x00})
	addr := netaddr.IP(net.IPv4(93, 184, 216, 34), 80)
	encoded, err := addr.WriteTo(nil)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	in.Write(encoded)

	var out bytes.Buffer
	h, req, err := acceptSocks5(bufio.NewReader(&in), &out)
	if err != nil {
		t.Fatalf("acceptSocks5: %v", err)
	}
	if req.Kind != KindTCP {
		t.Fatalf("expected KindTCP, got %v", req.Kind)
	}
	if req.Dst.Port() != 80 || req.Dst.Host() != "93.184.216.34" {
		t.Fatalf("unexpected dst: %+v", req.Dst)
	}

	if err := h.RespondOK(&req.Dst); err != nil {
		t.Fatalf("RespondOK: %v", err)
	}
	got := out.Bytes()
	// greeting ack (2 bytes) + reply header (3 bytes) + encoded bound addr
	if got[2] != socks5Version || got[3] != repSucceeded {
		t.Fatalf("unexpected reply bytes: %x", got)
	}
}

func TestAcceptSocks5UDPAssociate(t *testing.T) {
	var in bytes.Buffer
	in.Write([]byte{socks5Version, 1, authNoAuth})
	in.Write([]byte{socks5Version, cmdUDPAssociate, 0x00})
	addr := netaddr.IP(net.IPv4zero, 0)
	encoded, _ := addr.WriteTo(nil)
	in.Write(encoded)

	var out bytes.Buffer
	_, req, err := acceptSocks5(bufio.NewReader(&in), &out)
	if err != nil {
		t.Fatalf("acceptSocks5: %v", err)
	}
	if req.Kind != KindUDP {
		t.Fatalf("expected KindUDP, got %v", req.Kind)
	}
}

func TestAcceptSocks5RejectsNoAcceptableAuth(t *testing.T) {
	var in bytes.Buffer
	in.Write([]byte{socks5Version, 1, 0x02}) // only username/password offered

	var out bytes.Buffer
	_, _, err := acceptSocks5(bufio.NewReader(&in), &out)
	if err == nil {
		t.Fatalf("expected ErrAuthNotAccepted")
	}
	got := out.Bytes()
	if len(got) != 2 || got[1] != authNotAccepted {
		t.Fatalf("unexpected response bytes: %x", got)
	}
}

func TestAcceptSocks5UnsupportedCommand(t *testing.T) {
	var in bytes.Buffer
	in.Write([]byte{socks5Version, 1, authNoAuth})
	in.Write([]byte{socks5Version, 0x02, 0x00}) // BIND, unsupported
	addr := netaddr.IP(net.IPv4zero, 0)
	encoded, _ := addr.WriteTo(nil)
	in.Write(encoded)

	var out bytes.Buffer
	_, _, err := acceptSocks5(bufio.NewReader(&in), &out)
	if err == nil {
		t.Fatalf("expected ErrUnsupportedCommand")
	}
	got := out.Bytes()
	// greeting ack (2 bytes) then reply header ver|rep|rsv at indices 2..4.
	if got[3] != repCommandNotSupported {
		t.Fatalf("unexpected reply bytes: %x", got)
	}
}

func TestAcceptSocks5DomainAddress(t *testing.T) {
	var in bytes.Buffer
	in.Write([]byte{socks5Version, 1, authNoAuth})
	in.Write([]byte{socks5Version, cmdConnect, 0x00})
	addr := netaddr.Name("example.com", 443)
	encoded, _ := addr.WriteTo(nil)
	in.Write(encoded)

	var out bytes.Buffer
	_, req, err := acceptSocks5(bufio.NewReader(&in), &out)
	if err != nil {
		t.Fatalf("acceptSocks5: %v", err)
	}
	if req.Dst.Host() != "example.com" || req.Dst.Port() != 443 {
		t.Fatalf("unexpected dst: %+v", req.Dst)
	}
}
