package clientsession

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/ruleengine"
	"mlkmbp/mbp/core/state"
)

func startEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln
}

func TestHandleSocks5ConnectEchoRoundTrip(t *testing.T) {
	echo := startEcho(t)
	defer echo.Close()
	echoAddr := echo.Addr().(*net.TCPAddr)

	prog, err := ruleengine.Parse(`main { port == "` + portString(echoAddr.Port) + `", proxy = "direct"; }`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := &state.Configuration{
		Rules: prog,
		Upstreams: map[string]*state.Upstream{
			"direct": {Name: "direct", Enabled: true, Protocol: state.ProtocolSpec{Kind: state.ProtocolDirect}},
		},
		Order: []string{"direct"},
	}
	store := state.NewStore()
	store.Swap(&state.Snapshot{Config: cfg, Stats: state.NewStats([]string{"direct"}, nil)})

	client, server := net.Pipe()
	defer client.Close()

	deps := Deps{Store: store, Now: func() uint64 { return 1000 }}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- Handle(context.Background(), server, deps)
	}()

	go func() {
		client.Write([]byte{0x05, 1, 0x00})
		client.Write([]byte{0x05, 0x01, 0x00})
		addr := netaddr.IP(echoAddr.IP, uint16(echoAddr.Port))
		encoded, _ := addr.WriteTo(nil)
		client.Write(encoded)
	}()

	r := bufio.NewReader(client)
	ack := make([]byte, 2)
	if _, err := io.ReadFull(r, ack); err != nil {
		t.Fatalf("read greeting ack: %v", err)
	}
	head := make([]byte, 3)
	if _, err := io.ReadFull(r, head); err != nil {
		t.Fatalf("read reply header: %v", err)
	}
	if head[1] != 0x00 {
		t.Fatalf("expected success reply, got rep=%#x", head[1])
	}
	// bound address: ATYP (1) + IPv4 (4) + port (2)
	boundAddr := make([]byte, 1+4+2)
	if _, err := io.ReadFull(r, boundAddr); err != nil {
		t.Fatalf("read bound address: %v", err)
	}

	payload := []byte("hello through the tunnel")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	got := make([]byte, len(payload))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected echo: %q", got)
	}

	client.Close()
	<-serverDone
}

func portString(p int) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}
