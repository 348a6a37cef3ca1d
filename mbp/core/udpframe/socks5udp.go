package udpframe

import (
	"encoding/binary"
	"fmt"

	"mlkmbp/mbp/core/netaddr"
)

// Socks5Packet is a decoded RFC 1928 UDP request/reply datagram:
// RSV(2) | FRAG(1) | ADDR | PAYLOAD.
type Socks5Packet struct {
	FragNo  byte
	Addr    netaddr.Address
	Payload []byte
}

// EncodeSocks5UDP appends the wire encoding of a SOCKS5 UDP datagram
// to buf: two zero RSV bytes, frag_no, the address, then payload.
func EncodeSocks5UDP(buf []byte, addr netaddr.Address, payload []byte) ([]byte, error) {
	buf = append(buf, 0, 0, 0)
	var err error
	buf, err = addr.WriteTo(buf)
	if err != nil {
		return nil, err
	}
	return append(buf, payload...), nil
}

// DecodeSocks5UDP parses one complete SOCKS5 UDP datagram (SOCKS5 UDP
// is connectionless: the whole datagram arrives in one read, so there
// is no incremental-parser contract here). Per spec.md §4.1,
// fragmented packets (frag_no != 0) are rejected by the caller, not
// silently accepted.
func DecodeSocks5UDP(buf []byte) (Socks5Packet, error) {
	if len(buf) < 3 {
		return Socks5Packet{}, fmt.Errorf("udpframe: socks5 udp packet too short: %d bytes", len(buf))
	}
	if rsv := binary.BigEndian.Uint16(buf[:2]); rsv != 0 {
		return Socks5Packet{}, fmt.Errorf("udpframe: socks5 udp RSV must be 0, got %#x", rsv)
	}
	fragNo := buf[2]
	n, addr, ok, err := netaddr.ParseWire(buf[3:])
	if err != nil {
		return Socks5Packet{}, err
	}
	if !ok {
		return Socks5Packet{}, fmt.Errorf("udpframe: socks5 udp packet truncated address")
	}
	return Socks5Packet{
		FragNo:  fragNo,
		Addr:    addr,
		Payload: buf[3+n:],
	}, nil
}

// Fragmented reports whether p must be dropped per spec.md §4.1/§4.7
// ("Fragmented SOCKS5 UDP packets (frag_no != 0) MUST be dropped").
func (p Socks5Packet) Fragmented() bool { return p.FragNo != 0 }
