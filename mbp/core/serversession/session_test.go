package serversession

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/transport/tcpman"
)

func TestHandleTcpmanRoundTripToEcho(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen echo: %v", err)
	}
	defer echoLn.Close()
	go func() {
		for {
			c, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				io.Copy(conn, conn)
			}(c)
		}
	}()
	echoAddr := echoLn.Addr().(*net.TCPAddr)

	const password = "tunnel-secret"

	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen server: %v", err)
	}
	defer serverLn.Close()
	go func() {
		for {
			c, err := serverLn.Accept()
			if err != nil {
				return
			}
			go Handle(context.Background(), c, password)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dst := netaddr.IP(echoAddr.IP, uint16(echoAddr.Port))
	conn, err := tcpman.Dial(ctx, tcpman.DialSpec{
		Addr:     serverLn.Addr().String(),
		Password: password,
		Dst:      dst,
	})
	if err != nil {
		t.Fatalf("tcpman.Dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("through the tunnel and back")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected echo: %q", got)
	}
}
