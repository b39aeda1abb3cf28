// Package udpsess implements the UDP session table described in
// spec §3/§4.4/§4.7: per-client-address sessions backed by a connected
// outbound socket, with a secondary index for O(1) reply demultiplexing.
package udpsess

import (
	"sync/atomic"
	"time"

	"github.com/dantte-lp/tinyportmapper/internal/addr"
	"github.com/dantte-lp/tinyportmapper/internal/handle"
)

// DefaultTimeout is the default UDP idle timeout (spec §4.4, §5: 180s).
const DefaultTimeout = 180 * time.Second

// Session is a live UDP forwarding relationship for one client address.
type Session struct {
	// Client is the primary key: the address the datagram arrived from.
	Client addr.Endpoint

	// Outbound is the handle of the connected UDP socket opened toward
	// the configured remote for this client.
	Outbound handle.Handle

	// Listener is the handle of the UDP listener the client's datagrams
	// arrive on, needed to sendto() replies back (spec §3).
	Listener handle.Handle

	created    time.Time
	lastActive atomic.Int64 // unix nanoseconds
}

// NewSession builds a Session for client, bound to outbound and
// arriving via listener. now is the creation and initial last-active
// timestamp.
func NewSession(client addr.Endpoint, outbound, listener handle.Handle, now time.Time) *Session {
	s := &Session{
		Client:   client,
		Outbound: outbound,
		Listener: listener,
		created:  now,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// Created returns the session's creation timestamp.
func (s *Session) Created() time.Time { return s.created }

// LastActive returns the last-active timestamp. Safe to call from any
// goroutine (spec §5).
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Touch updates the last-active timestamp to now.
func (s *Session) Touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}
