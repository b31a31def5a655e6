package relay

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func resolve(addr string) (int, unix.Sockaddr, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return 0, nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	if tcp.IP == nil || tcp.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		if tcp.IP != nil {
			copy(sa.Addr[:], tcp.IP.To4())
		}
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa.Addr[:], tcp.IP.To16())
	return unix.AF_INET6, sa, nil
}

func toTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	default:
		return &net.TCPAddr{}
	}
}
