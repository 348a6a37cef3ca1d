//go:build !linux

package nat

import (
	"net"
	"syscall"
)

func transparentListenConfig(mark int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return ErrUnsupported
		},
	}
}

func originalDestination(conn *net.TCPConn) (*net.TCPAddr, error) {
	return nil, ErrUnsupported
}

func bindTransparentUDP(addr *net.UDPAddr) (*net.UDPConn, error) {
	return nil, ErrUnsupported
}

func readFromWithOriginalDst(conn *net.UDPConn, buf []byte) (int, *net.UDPAddr, *net.UDPAddr, error) {
	return 0, nil, nil, ErrUnsupported
}
