package udpsess

import (
	"time"

	"github.com/dantte-lp/tinyportmapper/internal/addr"
	"github.com/dantte-lp/tinyportmapper/internal/handle"
	"github.com/dantte-lp/tinyportmapper/internal/lru"
)

// DefaultSweepRatio and DefaultSweepMin mirror tcpconn's defaults
// (spec §6: configuration carries one sweep ratio/minimum pair shared
// by both tables' timeouts).
const (
	DefaultSweepRatio = 30
	DefaultSweepMin   = 1
)

func endpointLess(a, b addr.Endpoint) bool {
	if c := a.IP().Compare(b.IP()); c != 0 {
		return c < 0
	}
	return a.Port() < b.Port()
}

// Table owns the set of live UDP sessions, keyed by client address,
// plus the secondary handle->address index used for O(1) reply
// demultiplexing (spec §3, §4.4).
//
// Table is single-owner: every method must be called from the reactor
// goroutine.
type Table struct {
	byClient map[addr.Endpoint]*Session
	byHandle map[handle.Handle]addr.Endpoint
	order    *lru.Index[addr.Endpoint, *Session]
	timeout  time.Duration
	ratio    int
	min      int
}

// New creates an empty Table with the given idle timeout and sweep
// quota parameters.
func New(timeout time.Duration, ratio, min int) *Table {
	return &Table{
		byClient: make(map[addr.Endpoint]*Session),
		byHandle: make(map[handle.Handle]addr.Endpoint),
		order:    lru.New[addr.Endpoint, *Session](endpointLess),
		timeout:  timeout,
		ratio:    ratio,
		min:      min,
	}
}

// Get returns the session for client, if one exists.
func (t *Table) Get(client addr.Endpoint) (*Session, bool) {
	s, ok := t.byClient[client]
	return s, ok
}

// Insert installs a new session in both indices (spec §4.4 invariant:
// "any operation that inserts or removes updates both in one critical
// section" — Table has no internal concurrency, so this is simply
// sequential, not atomic in the threading sense).
func (t *Table) Insert(s *Session, now time.Time) {
	t.byClient[s.Client] = s
	t.byHandle[s.Outbound] = s.Client
	t.order.Insert(s.Client, s, now)
}

// LookupByHandle returns the client address for the session whose
// outbound socket is h, used by the UDP handler to route a reply
// datagram back via sendto (spec §4.7 egress path).
func (t *Table) LookupByHandle(h handle.Handle) (addr.Endpoint, bool) {
	client, ok := t.byHandle[h]
	return client, ok
}

// SessionByHandle resolves h (an outbound socket handle) straight to
// its Session record.
func (t *Table) SessionByHandle(h handle.Handle) (*Session, bool) {
	client, ok := t.byHandle[h]
	if !ok {
		return nil, false
	}
	s, ok := t.byClient[client]
	return s, ok
}

// Touch updates the LRU position and last-active timestamp for the
// session belonging to client. No-op if client has no session.
func (t *Table) Touch(client addr.Endpoint, now time.Time) {
	s, ok := t.byClient[client]
	if !ok {
		return
	}
	s.Touch(now)
	_ = t.order.Touch(client, now)
}

// Remove drops the session for client from both indices, returning it
// so the caller can close its outbound socket and release its handle.
func (t *Table) Remove(client addr.Endpoint) (*Session, bool) {
	s, ok := t.byClient[client]
	if !ok {
		return nil, false
	}
	delete(t.byClient, client)
	delete(t.byHandle, s.Outbound)
	t.order.Remove(client)
	return s, true
}

// Sweep evicts sessions idle past the table's timeout, up to the
// configured quota, returning the evicted sessions (spec §4.4, §4.5).
func (t *Table) Sweep(now time.Time) []*Session {
	keys := t.order.Sweep(now, t.timeout, t.ratio, t.min)
	evicted := make([]*Session, 0, len(keys))
	for _, client := range keys {
		if s, ok := t.byClient[client]; ok {
			delete(t.byClient, client)
			delete(t.byHandle, s.Outbound)
			evicted = append(evicted, s)
		}
	}
	return evicted
}

// Len reports the number of live sessions.
func (t *Table) Len() int { return len(t.byClient) }

// All returns every live session, in no particular order. Used by
// shutdown teardown (spec §4.5 "drain; destroy all").
func (t *Table) All() []*Session {
	out := make([]*Session, 0, len(t.byClient))
	for _, s := range t.byClient {
		out = append(out, s)
	}
	return out
}
