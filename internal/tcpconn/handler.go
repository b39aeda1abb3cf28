//go:build linux

package tcpconn

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

// ErrCapacityExceeded names the refusal of a newly accepted connection
// because max_connections has been reached (spec §5, §7
// "Capacity-exceeded"). The accept path does not return it: it logs
// the refusal and closes the accepted socket.
var ErrCapacityExceeded = errors.New("tcpconn: connection capacity exceeded")

// Metrics receives forwarding counters from the handler. Implemented
// by internal/metrics.Collector in the running process; tests may
// supply a no-op or recording stub.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	BytesForwarded(toRemote bool, n int)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()        {}
func (noopMetrics) ConnectionClosed()        {}
func (noopMetrics) BytesForwarded(bool, int) {}

// Config carries the per-listener forwarding parameters the accept
// path needs (spec §6).
type Config struct {
	Remote        addr.Endpoint
	FwdType       addr.FwdType
	BufferSize    int
	BindInterface string
}

// Handler implements the TCP accept/connect/read/write state machine
// described in spec §4.6, operating on a Table and a handle.Registry
// it does not own, and a pollctl.Controller it uses to arm and
// disarm readiness.
type Handler struct {
	Table   *Table
	Handles *handle.Registry
	Poller  pollctl.Controller
	Config  Config
	Logger  *slog.Logger
	Metrics Metrics

	// AtCapacity reports whether the combined TCP+UDP flow count has
	// reached max_connections; the accept path consults it per newly
	// accepted socket (spec §5 "Resource caps").
	AtCapacity func() bool
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

// OnListenerReadable drains pending connections from listenerFD,
// pairing each with a freshly dialed outbound socket (spec §4.6
// "Accept path").
func (h *Handler) OnListenerReadable(listenerFD int, now time.Time) {
	for {
		clientFD, _, err := unix.Accept4(listenerFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
				h.logger().Warn("tcp accept: file descriptors exhausted", "error", err)
				return
			}
			h.logger().Warn("tcp accept failed", "error", err)
			return
		}

		if h.AtCapacity != nil && h.AtCapacity() {
			h.logger().Warn("tcp connection refused: at capacity")
			_ = unix.Close(clientFD)
			continue
		}

		if err := h.pairWithRemote(clientFD, now); err != nil {
			h.logger().Warn("tcp connect setup failed", "error", err)
			_ = unix.Close(clientFD)
		}
	}
}

// pairWithRemote opens the outbound socket for a freshly accepted
// client connection, begins its non-blocking connect, and registers
// both sides with the reactor.
func (h *Handler) pairWithRemote(clientFD int, now time.Time) error {
	target, err := h.Config.FwdType.Translate(h.Config.Remote)
	if err != nil {
		return fmt.Errorf("translate remote endpoint: %w", err)
	}

	family := netutil.Family(target.IP())
	remoteFD, err := netutil.NewSocket(family, unix.SOCK_STREAM)
	if err != nil {
		return fmt.Errorf("create outbound socket: %w", err)
	}

	bufSize := h.Config.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if err := netutil.SetBufferSizes(remoteFD, bufSize); err != nil {
		h.logger().Debug("set outbound buffer sizes failed", "error", err)
	}
	if err := netutil.BindToDevice(remoteFD, h.Config.BindInterface); err != nil {
		_ = unix.Close(remoteFD)
		return fmt.Errorf("bind outbound socket to device: %w", err)
	}

	sa, err := netutil.Sockaddr(target.IP(), target.Port())
	if err != nil {
		_ = unix.Close(remoteFD)
		return fmt.Errorf("build remote sockaddr: %w", err)
	}

	if err := unix.Connect(remoteFD, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(remoteFD)
		return fmt.Errorf("connect outbound socket: %w", err)
	}

	localHandle := h.Handles.Mint(clientFD, now)
	remoteHandle := h.Handles.Mint(remoteFD, now)

	conn := NewConnection(localHandle, remoteHandle, bufSize, now)
	h.Table.Insert(conn, now)

	if err := h.Poller.Register(clientFD, pollctl.TCPLocal, true, false); err != nil {
		h.destroy(conn, "register local failed")
		return err
	}
	if err := h.Poller.Register(remoteFD, pollctl.TCPRemote, false, true); err != nil {
		h.destroy(conn, "register remote failed")
		return err
	}

	h.metrics().ConnectionOpened()
	return nil
}

// OnReadable handles a readable event on either side of the connection
// keyed (directly or via its remote handle) by h's handle (spec §4.6
// "Read path").
func (h *Handler) OnReadable(eventHandle handle.Handle, now time.Time) {
	conn, ok := h.Table.Lookup(eventHandle)
	if !ok {
		return
	}
	side := conn.Endpoint(eventHandle)
	peer := conn.Peer(eventHandle)
	if side == nil || peer == nil {
		return
	}
	sideFD, ok := h.Handles.FD(side.Handle)
	if !ok {
		return
	}

	for !side.IsFull() {
		free := side.FreeSpace()
		n, err := unix.Read(sideFD, free)
		if n > 0 {
			side.Fill(n)
			conn.Touch(now)
			h.Table.Touch(conn.Local.Handle, now)
			continue
		}
		if err == nil {
			// n == 0: peer closed its write side (spec §4.6: "ret == 0 ->
			// peer-side EOF -> destroy the connection").
			h.destroy(conn, "peer closed")
			return
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		h.logger().Warn("tcp recv failed", "error", err)
		h.destroy(conn, "recv error")
		return
	}

	peerFD, ok := h.Handles.FD(peer.Handle)
	if ok {
		if !h.flush(conn, side, peerFD, eventHandle == conn.Local.Handle, now) {
			return // connection was destroyed mid-flush
		}
	}

	h.syncInterest(conn)
}

// OnWritable handles a writable event: either a non-blocking connect
// completion probe (remote side, while RemoteConnecting), or an
// ordinary write-ready signal used to flush the peer's buffer into
// this side (spec §4.6 "Connect completion", "Write-ready path").
func (h *Handler) OnWritable(eventHandle handle.Handle, now time.Time) {
	conn, ok := h.Table.Lookup(eventHandle)
	if !ok {
		return
	}

	if eventHandle == conn.Remote.Handle && conn.RemoteConnecting {
		h.completeConnect(conn, now)
		return
	}

	side := conn.Endpoint(eventHandle)
	peer := conn.Peer(eventHandle)
	if side == nil || peer == nil {
		return
	}
	sideFD, ok := h.Handles.FD(side.Handle)
	if !ok {
		return
	}

	if !h.flush(conn, peer, sideFD, eventHandle == conn.Remote.Handle, now) {
		return
	}
	h.syncInterest(conn)
}

func (h *Handler) completeConnect(conn *Connection, now time.Time) {
	remoteFD, ok := h.Handles.FD(conn.Remote.Handle)
	if !ok {
		return
	}
	errno, err := netutil.SocketError(remoteFD)
	if err != nil {
		h.destroy(conn, "SO_ERROR probe failed")
		return
	}
	if errno != 0 {
		h.logger().Warn("tcp outbound connect failed", "errno", errno)
		h.destroy(conn, "connect failed")
		return
	}

	conn.RemoteConnecting = false
	conn.Touch(now)

	if conn.Local.Len() > 0 {
		if !h.flush(conn, conn.Local, remoteFD, true, now) {
			return
		}
	}
	h.syncInterest(conn)
}

// flush writes fromSide's buffered bytes to toFD, looping until the
// buffer drains or the socket blocks. toRemote tags the direction for
// metrics. Returns false if the connection was destroyed (fatal
// write error) during the flush.
func (h *Handler) flush(conn *Connection, fromSide *Endpoint, toFD int, toRemote bool, now time.Time) bool {
	for fromSide.Len() > 0 {
		n, err := unix.Write(toFD, fromSide.Data())
		if n > 0 {
			fromSide.Consume(n)
			conn.Touch(now)
			h.Table.Touch(conn.Local.Handle, now)
			h.metrics().BytesForwarded(toRemote, n)
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return true
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		h.logger().Warn("tcp send failed", "error", err)
		h.destroy(conn, "send error")
		return false
	}
	return true
}

// syncInterest recomputes and applies the readiness each side needs:
// a side keeps READABLE armed while it has room to receive, and
// WRITABLE armed while its peer has bytes waiting to be flushed into
// it (or, for the remote side, while the outbound connect is still
// pending) — spec §4.5 back-pressure, §4.6 state machine.
func (h *Handler) syncInterest(conn *Connection) {
	localFD, ok := h.Handles.FD(conn.Local.Handle)
	if ok {
		localReadable := !conn.Local.IsFull()
		localWritable := conn.Remote.Len() > 0
		_ = h.Poller.Modify(localFD, localReadable, localWritable)
	}

	remoteFD, ok := h.Handles.FD(conn.Remote.Handle)
	if ok {
		remoteReadable := !conn.RemoteConnecting && !conn.Remote.IsFull()
		remoteWritable := conn.RemoteConnecting || conn.Local.Len() > 0
		_ = h.Poller.Modify(remoteFD, remoteReadable, remoteWritable)
	}
}

// destroy tears down conn: both handles are unregistered from the
// poller, both sockets closed, both handles released, and the record
// removed from the table (spec §3 "Both handles and both buffers are
// released atomically").
func (h *Handler) destroy(conn *Connection, reason string) {
	h.Table.Remove(conn.Local.Handle)
	h.closeSide(conn.Local)
	h.closeSide(conn.Remote)
	h.logger().Info("tcp connection closed", "reason", reason)
	h.metrics().ConnectionClosed()
}

func (h *Handler) closeSide(ep *Endpoint) {
	if fd, ok := h.Handles.FD(ep.Handle); ok {
		h.Poller.Unregister(fd)
		_ = unix.Close(fd)
	}
	h.Handles.Release(ep.Handle)
}

// Sweep evicts idle connections and releases their resources (spec
// §4.3, §4.5).
func (h *Handler) Sweep(now time.Time) {
	for _, conn := range h.Table.Sweep(now) {
		h.closeSide(conn.Local)
		h.closeSide(conn.Remote)
		h.logger().Debug("tcp connection evicted", "reason", "idle timeout")
		h.metrics().ConnectionClosed()
	}
}

// DrainAll destroys every live connection regardless of idle time,
// used during orderly shutdown (spec §4.5 "destroy all sessions/
// connections").
func (h *Handler) DrainAll() {
	for _, conn := range h.Table.All() {
		h.destroy(conn, "shutdown")
	}
}
