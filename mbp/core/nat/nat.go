// Package nat wires the platform socket-option glue spec.md §6 calls
// out as external interfaces: IP_TRANSPARENT / SO_MARK on listening
// sockets and SO_ORIGINAL_DST / IP_RECVORIGDSTADDR to recover the
// pre-NAT destination of a transparently redirected flow. Setting up
// the iptables/policy-routing rules that feed traffic to these
// sockets is a separate external step (spec.md §6) — this package
// only implements the capabilities the bound sockets need to expose.
//
// Grounded on original_source/src/client/transparent/utils.rs
// (bind_transparent_udp / recv_with_orig_dst) and the teacher's
// mbp/core/forward/nat/linux.go, reduced from that file's iptables +
// NFQUEUE accounting pipeline (a per-user billing feature outside
// this spec's scope) down to the bare socket-option surface spec.md
// §6 actually names.
package nat

import (
	"errors"
	"net"
)

// ErrUnsupported is returned by every operation on platforms without
// a transparent-proxy implementation (anything but linux).
var ErrUnsupported = errors.New("nat: transparent redirect not supported on this platform")

// ListenTransparentTCP returns a net.ListenConfig whose sockets carry
// IP_TRANSPARENT (and SO_MARK, when mark != 0), suitable for accepting
// connections redirected to it by an external `iptables -j REDIRECT`
// (or TPROXY) rule. The accepted conn's original destination is then
// read back with OriginalDestination.
func ListenTransparentTCP(mark int) net.ListenConfig {
	return transparentListenConfig(mark)
}

// OriginalDestination recovers the pre-NAT destination address of a
// TCP connection accepted from a ListenTransparentTCP listener.
func OriginalDestination(conn *net.TCPConn) (*net.TCPAddr, error) {
	return originalDestination(conn)
}

// BindTransparentUDP opens a UDP socket with IP_TRANSPARENT and
// IP_RECVORIGDSTADDR/IPV6_RECVORIGDSTADDR set, bound to addr, for the
// TPROXY UDP redirect path (spec.md §4.7.B).
func BindTransparentUDP(addr *net.UDPAddr) (*net.UDPConn, error) {
	return bindTransparentUDP(addr)
}

// ReadFromWithOriginalDst reads one datagram from a BindTransparentUDP
// socket, returning both the sender address and the packet's original
// (pre-redirect) destination address.
func ReadFromWithOriginalDst(conn *net.UDPConn, buf []byte) (n int, src, dst *net.UDPAddr, err error) {
	return readFromWithOriginalDst(conn, buf)
}
