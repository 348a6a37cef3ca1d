package udprelay

import (
	"context"
	"net"
	"testing"
	"time"

	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/udpframe"
)

// fakeTunnel is an in-memory Tunnel for exercising ServeSocks5UDP
// without a real tcpman connection: Send appends to outbound, Recv
// drains inbound.
type fakeTunnel struct {
	outbound chan sentPacket
	inbound  chan recvPacket
}

type sentPacket struct {
	addr    netaddr.Address
	payload []byte
}

type recvPacket struct {
	addr    netaddr.Address
	payload []byte
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{outbound: make(chan sentPacket, 8), inbound: make(chan recvPacket, 8)}
}

func (f *fakeTunnel) Send(addr netaddr.Address, payload []byte) error {
	cp := append([]byte(nil), payload...)
	f.outbound <- sentPacket{addr: addr, payload: cp}
	return nil
}

func (f *fakeTunnel) Recv() (netaddr.Address, []byte, error) {
	p, ok := <-f.inbound
	if !ok {
		return netaddr.Address{}, nil, net.ErrClosed
	}
	return p.addr, p.payload, nil
}

func TestServeSocks5UDPForwardsAndReplies(t *testing.T) {
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer sock.Close()

	client, err := net.DialUDP("udp", nil, sock.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	tunnel := newFakeTunnel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ServeSocks5UDP(ctx, sock, tunnel)

	dst := netaddr.IP(net.IPv4(93, 184, 216, 34), 80)
	packet, err := udpframe.EncodeSocks5UDP(nil, dst, []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeSocks5UDP: %v", err)
	}
	if _, err := client.Write(packet); err != nil {
		t.Fatalf("write client->relay: %v", err)
	}

	select {
	case sent := <-tunnel.outbound:
		if string(sent.payload) != "hello" {
			t.Fatalf("unexpected payload forwarded: %q", sent.payload)
		}
		if sent.addr.String() != dst.String() {
			t.Fatalf("unexpected dest forwarded: %v", sent.addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded packet")
	}

	tunnel.inbound <- recvPacket{addr: dst, payload: []byte("world")}

	buf := make([]byte, 2048)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	got, err := udpframe.DecodeSocks5UDP(buf[:n])
	if err != nil {
		t.Fatalf("DecodeSocks5UDP: %v", err)
	}
	if string(got.Payload) != "world" {
		t.Fatalf("unexpected reply payload: %q", got.Payload)
	}
	if got.Addr.String() != dst.String() {
		t.Fatalf("unexpected reply address: %v", got.Addr)
	}
}

func TestServeSocks5UDPDropsFragmented(t *testing.T) {
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer sock.Close()

	client, err := net.DialUDP("udp", nil, sock.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	tunnel := newFakeTunnel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ServeSocks5UDP(ctx, sock, tunnel)

	dst := netaddr.IP(net.IPv4(1, 1, 1, 1), 53)
	packet, err := udpframe.EncodeSocks5UDP(nil, dst, []byte("frag"))
	if err != nil {
		t.Fatalf("EncodeSocks5UDP: %v", err)
	}
	packet[2] = 1 // non-zero FRAG byte marks this as a fragment
	if _, err := client.Write(packet); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case sent := <-tunnel.outbound:
		t.Fatalf("fragmented packet should have been dropped, got %v", sent)
	case <-time.After(300 * time.Millisecond):
	}
}
