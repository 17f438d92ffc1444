//go:build linux

package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// listenTCP binds a non-blocking listening socket. reusePort lets every
// event loop bind its own socket on the same address.
func listenTCP(address string, reusePort bool) (int, *net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, nil, fmt.Errorf("resolve %s: %w", address, err)
	}

	family, sa := toSockaddr(addr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}

	if err := bindAndListen(fd, sa, reusePort); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("listen %s: %w", address, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("getsockname: %w", err)
	}

	return fd, net.TCPAddrFromAddrPort(fromSockaddr(bound)), nil
}

func bindAndListen(fd int, sa unix.Sockaddr, reusePort bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}

	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("SO_REUSEPORT: %w", err)
		}
	}

	if err := unix.Bind(fd, sa); err != nil {
		return err
	}

	return unix.Listen(fd, unix.SOMAXCONN)
}

func accept(fd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}

	setNoDelay(nfd)

	return nfd, fromSockaddr(sa), nil
}

// dial starts a non-blocking connect. connected reports whether the
// handshake already finished; otherwise completion is signalled by write
// readiness and checked with socketError.
func dial(addr *net.TCPAddr) (fd int, connected bool, err error) {
	family, sa := toSockaddr(addr)

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}

	setNoDelay(fd)

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return fd, true, nil
	case errors.Is(err, unix.EINPROGRESS):
		return fd, false, nil
	default:
		unix.Close(fd)
		return -1, false, fmt.Errorf("connect %s: %w", addr, err)
	}
}

func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func setNoDelay(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

func toSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		if iface, err := net.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(iface.Index)
		}
	}
	return unix.AF_INET6, sa
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
