package udpframe

import (
	"bytes"
	"net"
	"testing"

	"mlkmbp/mbp/core/netaddr"
)

func TestSocks5UDPRoundTrip(t *testing.T) {
	addr := netaddr.IP(net.IPv4(10, 0, 0, 1), 53)
	payload := []byte("dns query")

	buf, err := EncodeSocks5UDP(nil, addr, payload)
	if err != nil {
		t.Fatalf("EncodeSocks5UDP: %v", err)
	}

	pkt, err := DecodeSocks5UDP(buf)
	if err != nil {
		t.Fatalf("DecodeSocks5UDP: %v", err)
	}
	if pkt.FragNo != 0 {
		t.Fatalf("unexpected frag_no: %d", pkt.FragNo)
	}
	if pkt.Addr.String() != addr.String() {
		t.Fatalf("addr mismatch: got %v want %v", pkt.Addr, addr)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", pkt.Payload, payload)
	}
	if pkt.Fragmented() {
		t.Fatalf("frag_no 0 must not be reported as fragmented")
	}
}

func TestSocks5UDPRejectsBadRSV(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x00, netaddr.ATypIPv4, 1, 2, 3, 4, 0, 80}
	if _, err := DecodeSocks5UDP(buf); err == nil {
		t.Fatalf("expected error for non-zero RSV")
	}
}

func TestSocks5UDPFragmentedIsFlagged(t *testing.T) {
	addr := netaddr.IP(net.IPv4(1, 1, 1, 1), 1)
	buf, err := EncodeSocks5UDP(nil, addr, []byte("x"))
	if err != nil {
		t.Fatalf("EncodeSocks5UDP: %v", err)
	}
	buf[2] = 1 // set frag_no

	pkt, err := DecodeSocks5UDP(buf)
	if err != nil {
		t.Fatalf("DecodeSocks5UDP: %v", err)
	}
	if !pkt.Fragmented() {
		t.Fatalf("expected Fragmented() to report true for frag_no=1")
	}
}

func TestSocks5UDPTooShort(t *testing.T) {
	if _, err := DecodeSocks5UDP([]byte{0, 0}); err == nil {
		t.Fatalf("expected error for truncated packet")
	}
}
