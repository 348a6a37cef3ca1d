package handshake

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"

	"mlkmbp/mbp/core/netaddr"
)

// SOCKS5 wire constants (RFC 1928).
const (
	socks5Version = 0x05

	authNoAuth      = 0x00
	authNotAccepted = 0xFF

	cmdConnect      = 0x01
	cmdUDPAssociate = 0x03

	repSucceeded               = 0x00
	repGeneralFailure          = 0x01
	repCommandNotSupported     = 0x07
	repAddressTypeNotSupported = 0x08
)

// ErrAuthNotAccepted is returned when the client's greeting offers no
// method this server supports.
var ErrAuthNotAccepted = errors.New("handshake: no acceptable socks5 auth method")

// ErrUnsupportedCommand is returned for any SOCKS5 command other than
// CONNECT or UDP ASSOCIATE (spec.md §4.3: "anything else → respond
// UNSUPPORTED_COMMAND, fail").
var ErrUnsupportedCommand = errors.New("handshake: unsupported socks5 command")

type socks5Handshaker struct {
	w io.Writer
}

func (h *socks5Handshaker) RespondOK(bound *netaddr.Address) error {
	return h.reply(repSucceeded, bound)
}

func (h *socks5Handshaker) RespondErr(cause error) error {
	code := byte(repGeneralFailure)
	if errors.Is(cause, ErrUnsupportedCommand) {
		code = repCommandNotSupported
	} else if errors.Is(cause, netaddr.ErrMalformed) {
		code = repAddressTypeNotSupported
	}
	return h.reply(code, nil)
}

func (h *socks5Handshaker) reply(rep byte, bound *netaddr.Address) error {
	buf := []byte{socks5Version, rep, 0x00}
	addr := netaddr.IP(net.IPv4zero, 0)
	if bound != nil {
		addr = *bound
	}
	encoded, err := addr.WriteTo(nil)
	if err != nil {
		return err
	}
	buf = append(buf, encoded...)
	_, err = h.w.Write(buf)
	return err
}

// acceptSocks5 implements spec.md §4.3's SOCKS5 path: negotiate auth,
// then parse ClientConnRequest (cmd, addr).
func acceptSocks5(r *bufio.Reader, w io.Writer) (Handshaker, ProxyRequest, error) {
	greeting, err := readNBytes(r, 2)
	if err != nil {
		return nil, ProxyRequest{}, fmt.Errorf("handshake: read socks5 greeting: %w", err)
	}
	if greeting[0] != socks5Version {
		return nil, ProxyRequest{}, fmt.Errorf("handshake: unsupported socks version %#x", greeting[0])
	}
	nMethods := int(greeting[1])
	methods, err := readNBytes(r, nMethods)
	if err != nil {
		return nil, ProxyRequest{}, fmt.Errorf("handshake: read socks5 auth methods: %w", err)
	}

	h := &socks5Handshaker{w: w}

	hasNoAuth := false
	for _, m := range methods {
		if m == authNoAuth {
			hasNoAuth = true
			break
		}
	}
	if !hasNoAuth {
		_, _ = w.Write([]byte{socks5Version, authNotAccepted})
		return nil, ProxyRequest{}, ErrAuthNotAccepted
	}
	if _, err := w.Write([]byte{socks5Version, authNoAuth}); err != nil {
		return nil, ProxyRequest{}, err
	}

	head, err := readNBytes(r, 3)
	if err != nil {
		return nil, ProxyRequest{}, fmt.Errorf("handshake: read socks5 request header: %w", err)
	}
	if head[0] != socks5Version {
		return nil, ProxyRequest{}, fmt.Errorf("handshake: unsupported socks version %#x", head[0])
	}
	cmd := head[1]

	addr, err := readAddress(r)
	if err != nil {
		_ = h.RespondErr(err)
		return nil, ProxyRequest{}, err
	}

	var kind Kind
	switch cmd {
	case cmdConnect:
		kind = KindTCP
	case cmdUDPAssociate:
		kind = KindUDP
	default:
		_ = h.RespondErr(ErrUnsupportedCommand)
		return nil, ProxyRequest{}, fmt.Errorf("%w: %#x", ErrUnsupportedCommand, cmd)
	}

	return h, ProxyRequest{Kind: kind, Dst: addr}, nil
}

func readNBytes(r io.Reader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readAddress reads one wire-encoded Address (ATYP + bytes + port)
// from r, peeking exactly as many bytes as each ATYP variant needs.
func readAddress(r *bufio.Reader) (netaddr.Address, error) {
	atyp, err := r.Peek(1)
	if err != nil {
		return netaddr.Address{}, err
	}
	var total int
	switch atyp[0] {
	case netaddr.ATypIPv4:
		total = 1 + 4 + 2
	case netaddr.ATypIPv6:
		total = 1 + 16 + 2
	case netaddr.ATypDomain:
		hdr, err := r.Peek(2)
		if err != nil {
			return netaddr.Address{}, err
		}
		total = 1 + 1 + int(hdr[1]) + 2
	default:
		return netaddr.Address{}, fmt.Errorf("handshake: %w: atyp %#x", netaddr.ErrMalformed, atyp[0])
	}

	buf, err := r.Peek(total)
	if err != nil {
		return netaddr.Address{}, err
	}
	n, addr, ok, err := netaddr.ParseWire(buf)
	if err != nil {
		return netaddr.Address{}, err
	}
	if !ok || n != total {
		return netaddr.Address{}, fmt.Errorf("handshake: %w: short address", netaddr.ErrMalformed)
	}
	if _, err := r.Discard(total); err != nil {
		return netaddr.Address{}, err
	}
	return addr, nil
}
