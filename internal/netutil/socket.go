//go:build linux

// Package netutil provides the low-level non-blocking socket helpers
// shared by the TCP and UDP handlers: creation, option tuning, and the
// SO_ERROR probe used to detect non-blocking connect completion
// (spec §4.6 "Connect completion", §6 "socket-option setup").
package netutil

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// NewSocket creates a non-blocking, close-on-exec socket of the given
// family ("unix.AF_INET" / "unix.AF_INET6") and type
// ("unix.SOCK_STREAM" / "unix.SOCK_DGRAM").
func NewSocket(family, sockType int) (int, error) {
	fd, err := unix.Socket(family, sockType|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket(%d, %d): %w", family, sockType, err)
	}
	return fd, nil
}

// SetReuseAddr sets SO_REUSEADDR, used on listener sockets (spec §1:
// "platform-specific socket-option setup ... out of scope" for the
// core's logic, but the helper lives here since the reactor owns fd
// creation end to end).
func SetReuseAddr(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	return nil
}

// SetReusePort sets SO_REUSEPORT, allowing multiple listener processes
// to share a port.
func SetReusePort(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("setsockopt(SO_REUSEPORT): %w", err)
	}
	return nil
}

// SetBufferSizes tunes SO_RCVBUF and SO_SNDBUF to size bytes, per the
// configured per-socket buffer size (spec §6: "10-10,240 KiB").
func SetBufferSizes(fd, size int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		return fmt.Errorf("setsockopt(SO_RCVBUF): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size); err != nil {
		return fmt.Errorf("setsockopt(SO_SNDBUF): %w", err)
	}
	return nil
}

// BindToDevice restricts fd to a single network interface via
// SO_BINDTODEVICE (Linux only, spec §6: "optional interface-bind
// string (Linux only)").
func BindToDevice(fd int, ifname string) error {
	if ifname == "" {
		return nil
	}
	if err := unix.BindToDevice(fd, ifname); err != nil {
		return fmt.Errorf("setsockopt(SO_BINDTODEVICE, %q): %w", ifname, err)
	}
	return nil
}

// SocketError reads and clears SO_ERROR, used to probe the outcome of
// a non-blocking connect on the first WRITABLE event (spec §4.6).
func SocketError(fd int) (int, error) {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, fmt.Errorf("getsockopt(SO_ERROR): %w", err)
	}
	return errno, nil
}

// Sockaddr converts a netip.Addr+port into the unix.Sockaddr variant
// matching its family.
func Sockaddr(ip netip.Addr, port uint16) (unix.Sockaddr, error) {
	switch {
	case ip.Is4():
		return &unix.SockaddrInet4{Port: int(port), Addr: ip.As4()}, nil
	case ip.Is6():
		return &unix.SockaddrInet6{Port: int(port), Addr: ip.As16()}, nil
	default:
		return nil, fmt.Errorf("netutil: invalid address %s", ip)
	}
}

// FromSockaddr converts a unix.Sockaddr back into a netip.Addr+port pair.
func FromSockaddr(sa unix.Sockaddr) (netip.Addr, uint16, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(v.Addr), uint16(v.Port), nil
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(v.Addr), uint16(v.Port), nil
	default:
		return netip.Addr{}, 0, fmt.Errorf("netutil: unsupported sockaddr %T", sa)
	}
}

// Family returns AF_INET or AF_INET6 for ip.
func Family(ip netip.Addr) int {
	if ip.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// ListenTCP creates, binds, and starts listening on a non-blocking TCP
// socket for the given endpoint, with SO_REUSEADDR set (spec §1 "bind
// and listen on the forwarder's listen endpoint").
func ListenTCP(ep netip.Addr, port uint16, backlog int) (int, error) {
	fd, err := NewSocket(Family(ep), unix.SOCK_STREAM)
	if err != nil {
		return -1, err
	}
	if err := SetReuseAddr(fd); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	sa, err := Sockaddr(ep, port)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind tcp listener %s:%d: %w", ep, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen tcp %s:%d: %w", ep, port, err)
	}
	return fd, nil
}

// ListenUDP creates and binds a non-blocking UDP socket for the given
// endpoint, with SO_REUSEADDR set (spec §1, §4.7 "Ingress").
func ListenUDP(ep netip.Addr, port uint16) (int, error) {
	fd, err := NewSocket(Family(ep), unix.SOCK_DGRAM)
	if err != nil {
		return -1, err
	}
	if err := SetReuseAddr(fd); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	sa, err := Sockaddr(ep, port)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind udp listener %s:%d: %w", ep, port, err)
	}
	return fd, nil
}
