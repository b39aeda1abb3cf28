// Package tcpconn implements the TCP connection state described in
// spec §3/§4.3/§4.6: the fixed-capacity forwarding buffer, the
// two-sided connection record, and the connection table with its
// eviction ordering.
package tcpconn

import (
	"github.com/dantte-lp/tinyportmapper/internal/handle"
)

// DefaultBufferSize is the per-endpoint buffer capacity used when the
// configuration does not override it (spec §3: "default 16 KiB").
const DefaultBufferSize = 16 * 1024

// Endpoint is one side of a TCP connection: the socket handle plus the
// forwarding buffer that holds bytes read from this side and not yet
// flushed to its peer.
//
// The buffer is not a true ring: bytes occupy a contiguous run
// [begin, begin+dataLen) and once dataLen reaches zero, begin resets
// to zero rather than wrapping (spec §4.6, "buffer compaction").
type Endpoint struct {
	Handle handle.Handle

	buf     []byte
	begin   int
	dataLen int
}

// NewEndpoint allocates an Endpoint for h with the given buffer capacity.
func NewEndpoint(h handle.Handle, capacity int) *Endpoint {
	return &Endpoint{Handle: h, buf: make([]byte, capacity)}
}

// Capacity returns the fixed buffer size.
func (e *Endpoint) Capacity() int { return len(e.buf) }

// Len returns the number of unsent bytes currently buffered.
func (e *Endpoint) Len() int { return e.dataLen }

// IsEmpty reports whether the buffer holds no unsent bytes.
func (e *Endpoint) IsEmpty() bool { return e.dataLen == 0 }

// IsFull reports whether the buffer is at capacity — the handler must
// deregister this endpoint's READABLE interest when this is true
// (spec §4.6 back-pressure).
func (e *Endpoint) IsFull() bool { return e.dataLen == len(e.buf) }

// Data returns the unsent bytes, in order. The returned slice aliases
// the endpoint's internal buffer and is invalidated by the next call
// to FreeSpace or Consume.
func (e *Endpoint) Data() []byte { return e.buf[e.begin : e.begin+e.dataLen] }

// FreeSpace returns a slice into which the next recv should read. If
// the tail of the buffer has no room but bytes remain in front of
// begin, it compacts the live run down to offset 0 first, per spec
// §4.6: "the handler may compact by memmove-ing to offset 0 ... no
// byte is reordered."
func (e *Endpoint) FreeSpace() []byte {
	if e.begin > 0 && e.begin+e.dataLen == len(e.buf) {
		copy(e.buf, e.buf[e.begin:e.begin+e.dataLen])
		e.begin = 0
	}
	return e.buf[e.begin+e.dataLen:]
}

// Fill records that n bytes were written into the slice most recently
// returned by FreeSpace.
func (e *Endpoint) Fill(n int) {
	e.dataLen += n
}

// Consume records that the first n unsent bytes were flushed to the
// peer. When the buffer empties, begin resets to zero (spec §3
// invariant: "when data_len == 0, begin is reset to 0").
func (e *Endpoint) Consume(n int) {
	e.begin += n
	e.dataLen -= n
	if e.dataLen == 0 {
		e.begin = 0
	}
}

// Valid reports whether the endpoint's cursor invariants hold (spec
// §3, §8): 0 <= begin <= capacity; begin+data_len <= capacity;
// data_len == 0 implies begin == 0. Exercised directly by tests; a
// production reactor never needs to call it on the hot path.
func (e *Endpoint) Valid() bool {
	capacity := len(e.buf)
	if e.begin < 0 || e.begin > capacity {
		return false
	}
	if e.begin+e.dataLen > capacity {
		return false
	}
	if e.dataLen == 0 && e.begin != 0 {
		return false
	}
	return true
}
