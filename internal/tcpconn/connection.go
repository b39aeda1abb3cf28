package tcpconn

import (
	"sync/atomic"
	"time"

	"github.com/dantte-lp/tinyportmapper/internal/handle"
)

// Connection is a live TCP forwarding pair: the accepted client socket
// (Local) and the outbound socket to the fixed remote (Remote), plus
// the bookkeeping the state machine in spec §4.6 needs.
type Connection struct {
	Local  *Endpoint
	Remote *Endpoint

	// RemoteConnecting is true from construction until the outbound
	// socket's non-blocking connect completes (spec §3, §4.6 Init/
	// Connecting states). Only the reactor goroutine reads or writes it.
	RemoteConnecting bool

	created    time.Time
	lastActive atomic.Int64 // unix nanoseconds; readable concurrently (spec §5)
}

// NewConnection builds a Connection for a freshly accepted client
// socket and its paired outbound socket, both already minted in the
// handle registry. now is both the creation and initial last-active
// timestamp.
func NewConnection(localHandle, remoteHandle handle.Handle, bufCapacity int, now time.Time) *Connection {
	c := &Connection{
		Local:            NewEndpoint(localHandle, bufCapacity),
		Remote:           NewEndpoint(remoteHandle, bufCapacity),
		RemoteConnecting: true,
		created:          now,
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// Created returns the connection's creation timestamp.
func (c *Connection) Created() time.Time { return c.created }

// LastActive returns the last-active timestamp. Safe to call from any
// goroutine (spec §5: only last_active is concurrently readable).
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Touch updates the last-active timestamp to now.
func (c *Connection) Touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

// Endpoint returns the Local or Remote side for a given handle, or nil
// if h belongs to neither side. Used by the reactor to resolve a
// readiness event's handle to the right half of the pair.
func (c *Connection) Endpoint(h handle.Handle) *Endpoint {
	switch h {
	case c.Local.Handle:
		return c.Local
	case c.Remote.Handle:
		return c.Remote
	default:
		return nil
	}
}

// Peer returns the endpoint on the opposite side from h.
func (c *Connection) Peer(h handle.Handle) *Endpoint {
	switch h {
	case c.Local.Handle:
		return c.Remote
	case c.Remote.Handle:
		return c.Local
	default:
		return nil
	}
}
