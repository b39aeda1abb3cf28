//go:build linux

package udpsess

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/tinyportmapper/internal/addr"
	"github.com/dantte-lp/tinyportmapper/internal/handle"
	"github.com/dantte-lp/tinyportmapper/internal/netutil"
	"github.com/dantte-lp/tinyportmapper/internal/pollctl"
)

// MaxDatagramSize is the largest UDP payload accommodated when the
// fragmentation option is enabled (spec §4.7, §6: "-d" flag, 65,535
// bytes).
const MaxDatagramSize = 65535

// Metrics receives forwarding counters from the handler.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	BytesForwarded(toRemote bool, n int)
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()           {}
func (noopMetrics) SessionClosed()           {}
func (noopMetrics) BytesForwarded(bool, int) {}

// Config carries the per-listener forwarding parameters the ingress
// path needs (spec §6).
type Config struct {
	Remote        addr.Endpoint
	FwdType       addr.FwdType
	BufferSize    int
	Fragment      bool
	BindInterface string
}

func (c Config) recvBufSize() int {
	if c.Fragment {
		return MaxDatagramSize
	}
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return 4096
}

// Handler implements the UDP ingress/egress datagram relay described
// in spec §4.7, operating on a Table and a handle.Registry it does
// not own, and a pollctl.Controller it uses to arm new outbound
// sockets for readability.
type Handler struct {
	Table   *Table
	Handles *handle.Registry
	Poller  pollctl.Controller
	Config  Config
	Logger  *slog.Logger
	Metrics Metrics

	// AtCapacity reports whether the combined TCP+UDP flow count has
	// reached max_connections (spec §5 "Resource caps").
	AtCapacity func() bool

	buf []byte
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) metrics() Metrics {
	if h.Metrics != nil {
		return h.Metrics
	}
	return noopMetrics{}
}

func (h *Handler) recvBuf() []byte {
	size := h.Config.recvBufSize()
	if cap(h.buf) < size {
		h.buf = make([]byte, size)
	}
	return h.buf[:size]
}

// OnListenerReadable drains pending datagrams from the UDP listener,
// upserting a session per client address and relaying each payload to
// that session's outbound socket (spec §4.7 "Ingress").
func (h *Handler) OnListenerReadable(listenerFD int, listenerHandle handle.Handle, now time.Time) {
	for {
		buf := h.recvBuf()
		n, from, err := unix.Recvfrom(listenerFD, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			h.logger().Warn("udp recvfrom failed", "error", err)
			return
		}

		clientIP, clientPort, err := netutil.FromSockaddr(from)
		if err != nil {
			h.logger().Warn("udp recvfrom: unsupported source address", "error", err)
			continue
		}
		client := addr.New(clientIP, clientPort)

		sess, ok := h.Table.Get(client)
		if !ok {
			if h.AtCapacity != nil && h.AtCapacity() {
				h.logger().Warn("udp session refused: at capacity")
				continue
			}
			sess, err = h.createSession(client, listenerHandle, now)
			if err != nil {
				h.logger().Warn("udp session setup failed", "error", err)
				continue
			}
		}

		outFD, ok := h.Handles.FD(sess.Outbound)
		if !ok {
			continue
		}
		if _, err := unix.Send(outFD, buf[:n], 0); err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
				h.logger().Warn("udp send to remote failed", "error", err)
			}
			// UDP is lossy by contract; drop and move on (spec §4.7).
		} else {
			h.metrics().BytesForwarded(true, n)
		}

		h.Table.Touch(client, now)
	}
}

// createSession opens a new connected outbound socket for client,
// applying the configured address-family translation, and installs
// the session in both table indices.
func (h *Handler) createSession(client addr.Endpoint, listenerHandle handle.Handle, now time.Time) (*Session, error) {
	target, err := h.Config.FwdType.Translate(h.Config.Remote)
	if err != nil {
		return nil, fmt.Errorf("translate remote endpoint: %w", err)
	}

	family := netutil.Family(target.IP())
	outFD, err := netutil.NewSocket(family, unix.SOCK_DGRAM)
	if err != nil {
		return nil, fmt.Errorf("create outbound socket: %w", err)
	}

	if err := netutil.SetBufferSizes(outFD, h.Config.recvBufSize()); err != nil {
		h.logger().Debug("set outbound buffer sizes failed", "error", err)
	}
	if err := netutil.BindToDevice(outFD, h.Config.BindInterface); err != nil {
		_ = unix.Close(outFD)
		return nil, fmt.Errorf("bind outbound socket to device: %w", err)
	}

	sa, err := netutil.Sockaddr(target.IP(), target.Port())
	if err != nil {
		_ = unix.Close(outFD)
		return nil, fmt.Errorf("build remote sockaddr: %w", err)
	}
	if err := unix.Connect(outFD, sa); err != nil {
		_ = unix.Close(outFD)
		return nil, fmt.Errorf("connect outbound socket: %w", err)
	}

	outHandle := h.Handles.Mint(outFD, now)
	sess := NewSession(client, outHandle, listenerHandle, now)
	h.Table.Insert(sess, now)

	if err := h.Poller.Register(outFD, pollctl.UDPRemote, true, false); err != nil {
		h.destroy(sess)
		return nil, fmt.Errorf("register outbound socket: %w", err)
	}

	h.metrics().SessionOpened()
	return sess, nil
}

// OnOutboundReadable relays a reply datagram from a session's
// outbound socket back to its client via the listener socket (spec
// §4.7 "Egress").
func (h *Handler) OnOutboundReadable(outboundHandle handle.Handle, now time.Time) {
	sess, ok := h.Table.SessionByHandle(outboundHandle)
	if !ok {
		return
	}
	outFD, ok := h.Handles.FD(sess.Outbound)
	if !ok {
		return
	}
	listenerFD, ok := h.Handles.FD(sess.Listener)
	if !ok {
		return
	}

	for {
		buf := h.recvBuf()
		n, err := unix.Read(outFD, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			h.logger().Warn("udp recv from remote failed", "error", err)
			h.destroy(sess)
			return
		}
		if n == 0 {
			return
		}

		clientSA, err := netutil.Sockaddr(sess.Client.IP(), sess.Client.Port())
		if err != nil {
			continue
		}
		if err := unix.Sendto(listenerFD, buf[:n], 0, clientSA); err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
				h.logger().Warn("udp sendto client failed", "error", err)
			}
		} else {
			h.metrics().BytesForwarded(false, n)
		}

		h.Table.Touch(sess.Client, now)
	}
}

func (h *Handler) destroy(sess *Session) {
	if fd, ok := h.Handles.FD(sess.Outbound); ok {
		h.Poller.Unregister(fd)
		_ = unix.Close(fd)
	}
	h.Handles.Release(sess.Outbound)
	h.Table.Remove(sess.Client)
	h.metrics().SessionClosed()
}

// Sweep evicts idle sessions and releases their outbound sockets
// (spec §4.4, §4.5).
func (h *Handler) Sweep(now time.Time) {
	for _, sess := range h.Table.Sweep(now) {
		if fd, ok := h.Handles.FD(sess.Outbound); ok {
			h.Poller.Unregister(fd)
			_ = unix.Close(fd)
		}
		h.Handles.Release(sess.Outbound)
		h.logger().Debug("udp session evicted", "reason", "idle timeout")
		h.metrics().SessionClosed()
	}
}

// DrainAll destroys every live session regardless of idle time, used
// during orderly shutdown (spec §4.5 "destroy all sessions/
// connections").
func (h *Handler) DrainAll() {
	for _, sess := range h.Table.All() {
		h.destroy(sess)
	}
}
