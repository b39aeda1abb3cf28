//go:build linux

// Package reactor implements the single-threaded readiness loop
// described in spec §4.5: an epoll(7)-backed event multiplexer that
// dispatches by role to the TCP and UDP handlers, and drives the
// periodic sweep and statistics timers.
package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/tinyportmapper/internal/pollctl"
)

// Event is one readiness notification, resolved to the fd's role.
type Event struct {
	FD       int
	Role     pollctl.Role
	Readable bool
	Writable bool
	Err      bool // EPOLLERR or EPOLLHUP observed
}

// registration is the bookkeeping kept per fd so Wait can attach a
// role to a bare epoll_event without a second syscall.
type registration struct {
	role   pollctl.Role
	events uint32
}

// Poller wraps a single epoll instance. It is not safe for concurrent
// use — the reactor owns it exclusively, matching the single-owner
// model in spec §5. Poller implements pollctl.Controller.
type Poller struct {
	epfd int
	regs map[int]registration
}

var _ pollctl.Controller = (*Poller)(nil)

// NewPoller creates a fresh epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: fd, regs: make(map[int]registration)}, nil
}

// Close closes the underlying epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Register adds fd to the poller watching for readable/writable per
// the flags, tagged with role for later dispatch.
func (p *Poller) Register(fd int, role pollctl.Role, readable, writable bool) error {
	events := eventMask(readable, writable)
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(ADD, %d): %w", fd, err)
	}
	p.regs[fd] = registration{role: role, events: events}
	return nil
}

// Modify changes the watched event set for an already-registered fd —
// used to arm/disarm READABLE or WRITABLE for back-pressure handling
// (spec §4.5, §4.6).
func (p *Poller) Modify(fd int, readable, writable bool) error {
	reg, ok := p.regs[fd]
	if !ok {
		return fmt.Errorf("epoll: modify unregistered fd %d", fd)
	}
	events := eventMask(readable, writable)
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(MOD, %d): %w", fd, err)
	}
	reg.events = events
	p.regs[fd] = reg
	return nil
}

// Unregister removes fd from the poller. Safe to call even if the fd
// was already closed — that happens naturally when a connection's
// socket is closed before the reactor removes it from epoll.
func (p *Poller) Unregister(fd int) {
	delete(p.regs, fd)
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for up to timeoutMillis and returns the ready events,
// resolved to their registered role.
func (p *Poller) Wait(timeoutMillis int, buf []unix.EpollEvent) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, buf, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(buf[i].Fd)
		reg, ok := p.regs[fd]
		if !ok {
			continue // unregistered between the wait returning and dispatch
		}
		ev := buf[i].Events
		out = append(out, Event{
			FD:       fd,
			Role:     reg.role,
			Readable: ev&unix.EPOLLIN != 0,
			Writable: ev&unix.EPOLLOUT != 0,
			Err:      ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

func eventMask(readable, writable bool) uint32 {
	var events uint32 = unix.EPOLLERR | unix.EPOLLHUP
	if readable {
		events |= unix.EPOLLIN
	}
	if writable {
		events |= unix.EPOLLOUT
	}
	return events
}
