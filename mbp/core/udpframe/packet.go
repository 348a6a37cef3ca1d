// Package udpframe implements the two UDP datagram encodings used by
// this system (spec.md §4.1, §4.7): the TCP-framed packet that rides
// inside a tcpman tunnel, and the SOCKS5 UDP packet exchanged with a
// local client over a bare UDP socket.
package udpframe

import (
	"encoding/binary"
	"fmt"

	"mlkmbp/mbp/core/netaddr"
)

// Frame header type bytes for the TCP-framed UDP packet (spec.md
// §4.1, §6): one of four compact headers, selected by whether an
// address is present and which ATYP it encodes.
const (
	typeNoAddr = 1
	typeIPv4   = 2
	typeIPv6   = 3
	typeDomain = 4
)

// Writer emits TCP-framed UDP packets, omitting the address once the
// destination repeats (spec.md §4.1: "A session keeps the last-seen
// address; subsequent packets to the same destination use the 'no
// address' header to save bytes").
type Writer struct {
	lastAddr string
	hasLast  bool
}

// NewWriter returns a Writer with no remembered destination.
func NewWriter() *Writer { return &Writer{} }

// Encode appends the TCP-framed encoding of (addr, payload) to buf
// and returns the extended slice: `type(1) | payload_len(2 BE) |
// [addr bytes] | payload` (spec.md §4.1/§6), where addr bytes follow
// SOCKS5 ATYP rules minus the leading type byte — the frame's own
// type already conveys which ATYP the address is, so it is not
// duplicated. addr is omitted from the wire form when it is the same
// address most recently encoded by w.
func (w *Writer) Encode(buf []byte, addr netaddr.Address, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("udpframe: payload too large: %d bytes", len(payload))
	}
	key := addr.String()
	sameAddr := w.hasLast && key == w.lastAddr

	var typ byte
	switch {
	case sameAddr:
		typ = typeNoAddr
	case !addr.IsIP():
		typ = typeDomain
	case addr.SocketAddr().To4() != nil:
		typ = typeIPv4
	default:
		typ = typeIPv6
	}
	buf = append(buf, typ)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	buf = append(buf, lenBuf[:]...)

	if !sameAddr {
		var err error
		buf, err = addr.WriteBody(buf)
		if err != nil {
			return nil, err
		}
		w.lastAddr = key
		w.hasLast = true
	}
	return append(buf, payload...), nil
}

// Reader decodes TCP-framed UDP packets, remembering the last decoded
// address so that a "no address" header can be resolved.
type Reader struct {
	lastAddr netaddr.Address
	hasLast  bool
}

// NewReader returns a Reader with no remembered destination.
func NewReader() *Reader { return &Reader{} }

// ErrNoPriorAddress is returned when a "no address" header arrives
// before any address has been seen on this stream.
var ErrNoPriorAddress = fmt.Errorf("udpframe: no address header with no prior address")

// frameATYP maps a frame type byte to the SOCKS5 ATYP value its
// (type-less) address body was encoded with.
func frameATYP(typ byte) byte {
	switch typ {
	case typeIPv4:
		return netaddr.ATypIPv4
	case typeIPv6:
		return netaddr.ATypIPv6
	default: // typeDomain
		return netaddr.ATypDomain
	}
}

// Decode parses one TCP-framed packet from the front of buf,
// following the incremental-parser contract: ok=false,err=nil means
// "need more bytes"; a non-nil error is permanent. Wire shape:
// `type(1) | payload_len(2 BE) | [addr bytes] | payload`.
func (r *Reader) Decode(buf []byte) (consumed int, addr netaddr.Address, payload []byte, ok bool, err error) {
	if len(buf) < 3 {
		return 0, netaddr.Address{}, nil, false, nil
	}
	typ := buf[0]
	plen := int(binary.BigEndian.Uint16(buf[1:3]))

	switch typ {
	case typeNoAddr:
		if !r.hasLast {
			return 0, netaddr.Address{}, nil, false, ErrNoPriorAddress
		}
		total := 3 + plen
		if len(buf) < total {
			return 0, netaddr.Address{}, nil, false, nil
		}
		return total, r.lastAddr, buf[3:total], true, nil

	case typeIPv4, typeIPv6, typeDomain:
		n, a, parsedOK, perr := netaddr.ParseBody(frameATYP(typ), buf[3:])
		if perr != nil {
			return 0, netaddr.Address{}, nil, false, perr
		}
		if !parsedOK {
			return 0, netaddr.Address{}, nil, false, nil
		}
		total := 3 + n + plen
		if len(buf) < total {
			return 0, netaddr.Address{}, nil, false, nil
		}
		r.lastAddr = a
		r.hasLast = true
		return total, a, buf[3+n : total], true, nil

	default:
		return 0, netaddr.Address{}, nil, false, fmt.Errorf("udpframe: unknown frame type %#x", typ)
	}
}
