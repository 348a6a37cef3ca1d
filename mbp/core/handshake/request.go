// Package handshake implements the inbound protocol multiplexer of
// spec.md §4.3: peek the first bytes of a freshly accepted stream and
// dispatch to the SOCKS5, HTTP CONNECT, or HTTP-forward acceptor,
// producing a uniform ProxyRequest. Grounded on
// original_source/src/socks5.rs (greeting/request wire shapes) and
// original_source/app/src/socks5/*.rs for the address codec.
package handshake

import "mlkmbp/mbp/core/netaddr"

// Kind tags whether a ProxyRequest wants a TCP or UDP destination.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

// ProxyRequest is what the handshake multiplexer produces and the
// tunnel protocol carries onward (spec.md §3).
type ProxyRequest struct {
	Kind        Kind
	Dst         netaddr.Address
	InitialData []byte
}

// Handshaker remembers which wire dialect the client spoke and knows
// how to answer it once the caller has chosen a route (spec.md §4.3:
// "Handshaker exposes respond_ok(bound_addr?) and respond_err(); each
// remembers whether the client spoke SOCKS5 or HTTP").
type Handshaker interface {
	RespondOK(bound *netaddr.Address) error
	RespondErr(cause error) error
}
