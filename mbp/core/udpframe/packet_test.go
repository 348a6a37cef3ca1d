package udpframe

import (
	"bytes"
	"net"
	"testing"

	"mlkmbp/mbp/core/netaddr"
)

func TestTCPFrameRoundTrip(t *testing.T) {
	w := NewWriter()
	r := NewReader()

	cases := []struct {
		addr    netaddr.Address
		payload []byte
	}{
		{netaddr.IP(net.IPv4(1, 2, 3, 4), 53), []byte("hello")},
		{netaddr.IP(net.IPv4(1, 2, 3, 4), 53), []byte("same dest again")}, // should use no-addr header
		{netaddr.IP(net.ParseIP("::1"), 443), []byte("v6")},
		{netaddr.Name("example.com", 80), []byte("domain")},
		{netaddr.Name("example.com", 80), nil}, // repeat + empty payload
	}

	var buf []byte
	for _, c := range cases {
		var err error
		buf, err = w.Encode(buf, c.addr, c.payload)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	for i, c := range cases {
		n, addr, payload, ok, err := r.Decode(buf)
		if err != nil || !ok {
			t.Fatalf("case %d: Decode failed ok=%v err=%v", i, ok, err)
		}
		if addr.String() != c.addr.String() {
			t.Fatalf("case %d: addr mismatch got %v want %v", i, addr, c.addr)
		}
		if !bytes.Equal(payload, c.payload) {
			t.Fatalf("case %d: payload mismatch got %q want %q", i, payload, c.payload)
		}
		buf = buf[n:]
	}
	if len(buf) != 0 {
		t.Fatalf("leftover bytes: %d", len(buf))
	}
}

func TestTCPFrameIncrementalFeeding(t *testing.T) {
	w := NewWriter()
	full, err := w.Encode(nil, netaddr.IP(net.IPv4(8, 8, 8, 8), 53), []byte("payload"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	r := NewReader()
	for i := 0; i < len(full); i++ {
		n, _, _, ok, err := r.Decode(full[:i])
		if err != nil {
			t.Fatalf("unexpected error at prefix %d: %v", i, err)
		}
		if ok {
			t.Fatalf("unexpectedly decoded from truncated prefix %d (consumed %d)", i, n)
		}
	}
	n, _, payload, ok, err := r.Decode(full)
	if err != nil || !ok {
		t.Fatalf("full decode failed: ok=%v err=%v", ok, err)
	}
	if n != len(full) || string(payload) != "payload" {
		t.Fatalf("unexpected decode result: n=%d payload=%q", n, payload)
	}
}

func TestTCPFrameNoAddrWithoutPriorIsError(t *testing.T) {
	r := NewReader()
	_, _, _, ok, err := r.Decode([]byte{typeNoAddr, 0, 0})
	if ok || err == nil {
		t.Fatalf("expected error for no-addr header with no prior address")
	}
}

func TestTCPFrameWireShapeMatchesSpec(t *testing.T) {
	// spec.md §4.1/§6: type(1) | payload_len(2 BE) | [addr bytes] |
	// payload, addr bytes per SOCKS5 ATYP rules minus the leading type
	// byte (so no redundant ATYP byte before the IPv4 octets).
	w := NewWriter()
	buf, err := w.Encode(nil, netaddr.IP(net.IPv4(1, 2, 3, 4), 53), []byte("hi"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{typeIPv4, 0, 2, 1, 2, 3, 4, 0, 53, 'h', 'i'}
	if !bytes.Equal(buf, want) {
		t.Fatalf("wire shape mismatch:\ngot  % x\nwant % x", buf, want)
	}
}

func TestTCPFramePayloadTooLarge(t *testing.T) {
	w := NewWriter()
	_, err := w.Encode(nil, netaddr.IP(net.IPv4(1, 1, 1, 1), 1), make([]byte, 1<<16))
	if err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}
