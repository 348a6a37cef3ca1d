package udprelay

import (
	"context"
	"net"

	"mlkmbp/mbp/core/netaddr"
)

// directTunnel implements Tunnel by dialing real UDP sockets straight
// to whatever destination each packet names, for the ProtocolDirect
// arm of a UDP ASSOCIATE's selected upstream (spec.md §4.7 topology A
// needs a Tunnel even when no tcpman/SOCKS5 upstream is in play).
type directTunnel struct {
	sock *net.UDPConn
}

// NewDirectTunnel opens an unconnected UDP socket that Send dispatches
// packets from per their own destination address, and Recv reads
// replies from whichever address answers.
func NewDirectTunnel() (Tunnel, error) {
	sock, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return &directTunnel{sock: sock}, nil
}

func (t *directTunnel) Send(addr netaddr.Address, payload []byte) error {
	ips, err := addr.Resolve(context.Background())
	if err != nil {
		return err
	}
	_, err = t.sock.WriteToUDP(payload, &net.UDPAddr{IP: ips[0], Port: int(addr.Port())})
	return err
}

func (t *directTunnel) Recv() (netaddr.Address, []byte, error) {
	buf := make([]byte, 64*1024)
	n, from, err := t.sock.ReadFromUDP(buf)
	if err != nil {
		return netaddr.Address{}, nil, err
	}
	return netaddr.IP(from.IP, uint16(from.Port)), append([]byte(nil), buf[:n]...), nil
}

func (t *directTunnel) Close() error { return t.sock.Close() }
