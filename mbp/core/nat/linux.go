//go:build linux

package nat

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// soOriginalDst is SOL_IP's SO_ORIGINAL_DST (linux/netfilter_ipv4.h),
// not exported by golang.org/x/sys/unix.
const soOriginalDst = 80

// ip6tSoOriginalDst is SOL_IPV6's IP6T_SO_ORIGINAL_DST
// (linux/netfilter_ipv6/ip6_tables.h), same numeric value as its v4
// counterpart.
const ip6tSoOriginalDst = 80

func transparentListenConfig(mark int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
					controlErr = fmt.Errorf("nat: IP_TRANSPARENT: %w", err)
					return
				}
				if mark != 0 {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
						controlErr = fmt.Errorf("nat: SO_MARK: %w", err)
						return
					}
				}
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}
}

// originalDestination recovers SO_ORIGINAL_DST via the generically
// sized getsockopt buffer trick common to Go transparent proxies:
// IPv6Mreq's 16-byte payload happens to be exactly sizeof(sockaddr_in),
// and IPv6MTUInfo's layout (sockaddr_in6 followed by a uint32) happens
// to match what the kernel writes for the v6 option.
func originalDestination(conn *net.TCPConn) (*net.TCPAddr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	local := conn.LocalAddr().(*net.TCPAddr)
	isV6 := local.IP.To4() == nil

	var addr *net.TCPAddr
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if isV6 {
			info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.SOL_IPV6, ip6tSoOriginalDst)
			if err != nil {
				sockErr = fmt.Errorf("nat: getsockopt IP6T_SO_ORIGINAL_DST: %w", err)
				return
			}
			addr = &net.TCPAddr{
				IP:   append([]byte(nil), info.Addr.Addr[:]...),
				Port: int(swapBytes(info.Addr.Port)),
			}
			return
		}

		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, soOriginalDst)
		if err != nil {
			sockErr = fmt.Errorf("nat: getsockopt SO_ORIGINAL_DST: %w", err)
			return
		}
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&mreq.Multiaddr[0]))
		addr = &net.TCPAddr{
			IP:   append([]byte(nil), sa.Addr[:]...),
			Port: int(swapBytes(sa.Port)),
		}
	})
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	if sockErr != nil {
		return nil, sockErr
	}
	return addr, nil
}

func bindTransparentUDP(addr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
					controlErr = fmt.Errorf("nat: IP_TRANSPARENT: %w", err)
					return
				}
				if addr.IP.To4() != nil {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1); err != nil {
						controlErr = fmt.Errorf("nat: IP_RECVORIGDSTADDR: %w", err)
					}
				} else {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_RECVORIGDSTADDR, 1); err != nil {
						controlErr = fmt.Errorf("nat: IPV6_RECVORIGDSTADDR: %w", err)
					}
				}
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// readFromWithOriginalDst reads one datagram and decodes its
// IP(V6)_ORIGDSTADDR ancillary control message.
func readFromWithOriginalDst(conn *net.UDPConn, buf []byte) (int, *net.UDPAddr, *net.UDPAddr, error) {
	oob := make([]byte, 1024)
	n, oobn, _, src, err := conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return 0, nil, nil, err
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, src, nil, fmt.Errorf("nat: parse control message: %w", err)
	}

	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_ORIGDSTADDR:
			sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&m.Data[0]))
			return n, src, &net.UDPAddr{
				IP:   append([]byte(nil), sa.Addr[:]...),
				Port: int(swapBytes(sa.Port)),
			}, nil
		case m.Header.Level == unix.SOL_IPV6 && m.Header.Type == unix.IPV6_ORIGDSTADDR:
			sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&m.Data[0]))
			return n, src, &net.UDPAddr{
				IP:   append([]byte(nil), sa.Addr[:]...),
				Port: int(swapBytes(sa.Port)),
			}, nil
		}
	}
	return n, src, nil, fmt.Errorf("nat: no original destination control message present")
}

// swapBytes converts a sockaddr's Port field, which the kernel always
// writes in network byte order regardless of host endianness, to a
// host-order uint16.
func swapBytes(v uint16) uint16 { return v>>8 | v<<8 }
