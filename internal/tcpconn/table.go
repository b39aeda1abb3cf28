package tcpconn

import (
	"time"

	"github.com/dantte-lp/tinyportmapper/internal/handle"
	"github.com/dantte-lp/tinyportmapper/internal/lru"
)

// DefaultTimeout is the default TCP idle timeout (spec §4.3, §5: 360s).
const DefaultTimeout = 360 * time.Second

// DefaultSweepRatio and DefaultSweepMin are the default LRU sweep
// quota parameters shared by TCP and UDP (spec §6: "sweep ratio and
// minimum").
const (
	DefaultSweepRatio = 30
	DefaultSweepMin   = 1
)

func handleLess(a, b handle.Handle) bool { return a < b }

// Table owns the set of live TCP connections, keyed by the local
// (accepted-client) side's handle, plus the LRU ordering used for
// idle eviction (spec §4.3).
//
// Table is single-owner: every method must be called from the reactor
// goroutine.
type Table struct {
	byHandle map[handle.Handle]*Connection
	byRemote map[handle.Handle]handle.Handle // remote handle -> primary (local) key
	order    *lru.Index[handle.Handle, *Connection]

	timeout time.Duration
	ratio   int
	min     int
}

// New creates an empty Table with the given idle timeout and sweep
// quota parameters.
func New(timeout time.Duration, ratio, min int) *Table {
	return &Table{
		byHandle: make(map[handle.Handle]*Connection),
		byRemote: make(map[handle.Handle]handle.Handle),
		order:    lru.New[handle.Handle, *Connection](handleLess),
		timeout:  timeout,
		ratio:    ratio,
		min:      min,
	}
}

// Insert registers conn under its local handle and records its
// creation time in the eviction order. Returns the key used.
func (t *Table) Insert(conn *Connection, now time.Time) handle.Handle {
	h := conn.Local.Handle
	t.byHandle[h] = conn
	t.byRemote[conn.Remote.Handle] = h
	t.order.Insert(h, conn, now)
	return h
}

// Get returns the connection keyed by its local handle, for dispatch.
func (t *Table) Get(h handle.Handle) (*Connection, bool) {
	c, ok := t.byHandle[h]
	return c, ok
}

// Lookup resolves either the local or the remote handle of a
// connection to the connection record — the reactor only knows which
// raw fd fired, and that fd may belong to either side.
func (t *Table) Lookup(h handle.Handle) (*Connection, bool) {
	if c, ok := t.byHandle[h]; ok {
		return c, true
	}
	if primary, ok := t.byRemote[h]; ok {
		return t.byHandle[primary], true
	}
	return nil, false
}

// Touch updates the LRU position for h and the connection's
// last-active timestamp. No-op if h is not present.
func (t *Table) Touch(h handle.Handle, now time.Time) {
	c, ok := t.byHandle[h]
	if !ok {
		return
	}
	c.Touch(now)
	_ = t.order.Touch(h, now)
}

// Remove drops the connection keyed by h from both the table and the
// eviction order, returning it so the caller can release its handles.
func (t *Table) Remove(h handle.Handle) (*Connection, bool) {
	c, ok := t.byHandle[h]
	if !ok {
		return nil, false
	}
	delete(t.byHandle, h)
	delete(t.byRemote, c.Remote.Handle)
	t.order.Remove(h)
	return c, true
}

// Sweep evicts connections idle past the table's timeout, up to the
// configured quota, returning the evicted connections so the caller
// can release their handles and close their sockets (spec §4.3, §4.5).
func (t *Table) Sweep(now time.Time) []*Connection {
	keys := t.order.Sweep(now, t.timeout, t.ratio, t.min)
	evicted := make([]*Connection, 0, len(keys))
	for _, h := range keys {
		if c, ok := t.byHandle[h]; ok {
			delete(t.byHandle, h)
			delete(t.byRemote, c.Remote.Handle)
			evicted = append(evicted, c)
		}
	}
	return evicted
}

// Len reports the number of live connections.
func (t *Table) Len() int { return len(t.byHandle) }

// All returns every live connection, in no particular order. Used by
// shutdown teardown, which must destroy every connection regardless
// of idle time (spec §4.5 "drain; destroy all").
func (t *Table) All() []*Connection {
	out := make([]*Connection, 0, len(t.byHandle))
	for _, c := range t.byHandle {
		out = append(out, c)
	}
	return out
}
