package reactor

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// listen opens a non-blocking TCP listening socket.
func listen(addr netip.Addr, port, backlog int, lingerZero bool) (int, error) {
	domain, sa := sockaddr(netip.AddrPortFrom(addr, uint16(port)))

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf(`reactor: socket: %w`, err)
	}

	if err := func() error {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf(`reactor: SO_REUSEADDR: %w`, err)
		}
		// inherited by accepted sockets
		if lingerZero {
			if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0}); err != nil {
				return fmt.Errorf(`reactor: SO_LINGER: %w`, err)
			}
		}
		if err := unix.Bind(fd, sa); err != nil {
			return fmt.Errorf(`reactor: bind %s: %w`, netip.AddrPortFrom(addr, uint16(port)), err)
		}
		if err := unix.Listen(fd, backlog); err != nil {
			return fmt.Errorf(`reactor: listen: %w`, err)
		}
		return nil
	}(); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

func sockaddr(ap netip.AddrPort) (int, unix.Sockaddr) {
	if addr := ap.Addr().Unmap(); addr.Is4() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return unix.AF_INET6, &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
