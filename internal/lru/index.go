// Package lru implements the ordered eviction index described in spec
// §4.2: a keyed collection augmented with insertion/touch-time-ordered
// traversal, backed by a hashmap plus a min-heap with lazy invalidation.
//
// An Index is single-owner, just like the tables built on top of it —
// no internal locking; all calls must come from the reactor goroutine.
package lru

import (
	"container/heap"
	"errors"
	"time"
)

// ErrNotFound indicates the key has no entry in the index.
var ErrNotFound = errors.New("lru: key not found")

// entry is the authoritative record for a key: its value and the last
// time it was touched. The heap may additionally hold stale items
// referencing an older lastActive for the same key; those are detected
// and discarded lazily on pop (spec §4.2/§9).
type entry[V any] struct {
	value      V
	lastActive int64 // unix nanoseconds
}

// heapItem is one entry in the min-heap, ordered by time then key.
type heapItem[K comparable] struct {
	key  K
	time int64
}

// Index is a keyed collection K -> V with an auxiliary min-heap
// ordering by last-active time, supporting amortised O(log n) insert,
// touch, remove, and bounded-quota sweep.
//
// less provides the deterministic tie-break the spec requires: among
// equal times, the entry whose key sorts first under less evicts
// first. Callers whose key type has no natural order (e.g. a struct)
// must supply a total order over it; callers with a naturally ordered
// key (uint64, string) can pass cmp.Less or an equivalent wrapper.
type Index[K comparable, V any] struct {
	entries map[K]*entry[V]
	h       *minHeap[K]
	less    func(a, b K) bool
}

// New creates an empty Index. less must implement a strict total order
// over K; it is only consulted to break exact-time ties deterministically.
func New[K comparable, V any](less func(a, b K) bool) *Index[K, V] {
	idx := &Index[K, V]{
		entries: make(map[K]*entry[V]),
		h:       &minHeap[K]{less: less},
		less:    less,
	}
	heap.Init(idx.h)
	return idx
}

// Len returns the number of live entries.
func (idx *Index[K, V]) Len() int { return len(idx.entries) }

// Get returns the value stored under k, if any.
func (idx *Index[K, V]) Get(k K) (V, bool) {
	e, ok := idx.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Insert stores v under k with last-active time t, overwriting any
// existing entry for k.
func (idx *Index[K, V]) Insert(k K, v V, t time.Time) {
	idx.entries[k] = &entry[V]{value: v, lastActive: t.UnixNano()}
	idx.pushHeap(k, t)
}

// Touch updates k's last-active time to t and moves it to the back of
// the eviction order (most recently active, evicted last). t must be >= the previously recorded time;
// callers (the reactor, advancing wall-clock time monotonically) always
// satisfy this. Returns ErrNotFound if k has no entry.
func (idx *Index[K, V]) Touch(k K, t time.Time) error {
	e, ok := idx.entries[k]
	if !ok {
		return ErrNotFound
	}
	e.lastActive = t.UnixNano()
	idx.pushHeap(k, t)
	return nil
}

// Remove drops k's entry, if present.
func (idx *Index[K, V]) Remove(k K) {
	delete(idx.entries, k)
	// The heap may still hold stale items for k; they are discarded
	// lazily the next time Sweep pops them (see popValid).
}

func (idx *Index[K, V]) pushHeap(k K, t time.Time) {
	heap.Push(idx.h, heapItem[K]{key: k, time: t.UnixNano()})
}

// Sweep removes entries whose last-active time is older than
// now-timeout, oldest first, up to a quota of max(size/limit, min)
// removals. Returns the keys removed, so the caller can release any
// resources (handles, sockets) those entries owned.
//
// After Sweep returns, every surviving entry satisfies
// now-lastActive <= timeout, unless the quota was exhausted first
// (spec §4.2, §8 invariant).
func (idx *Index[K, V]) Sweep(now time.Time, timeout time.Duration, limit, min int) []K {
	if limit <= 0 {
		limit = 1
	}

	size := len(idx.entries)
	quota := size / limit
	if quota < min {
		quota = min
	}

	cutoff := now.Add(-timeout).UnixNano()

	var removed []K
	for len(removed) < quota {
		k, t, ok := idx.popValid()
		if !ok {
			break // heap exhausted
		}
		if t > cutoff {
			// Not stale enough; put it back — it's still the oldest
			// live entry, so nothing older remains either.
			idx.pushHeap(k, time.Unix(0, t))
			break
		}

		delete(idx.entries, k)
		removed = append(removed, k)
	}

	return removed
}

// popValid pops heap items until it finds one whose recorded time
// matches the authoritative entry (i.e. is not stale), or the heap is
// empty. Stale items (superseded by a later Touch, or orphaned by
// Remove) are discarded silently.
func (idx *Index[K, V]) popValid() (K, int64, bool) {
	for idx.h.Len() > 0 {
		item, _ := heap.Pop(idx.h).(heapItem[K])

		e, ok := idx.entries[item.key]
		if !ok {
			continue // removed since being queued
		}
		if e.lastActive != item.time {
			continue // superseded by a later touch
		}

		return item.key, item.time, true
	}

	var zero K
	return zero, 0, false
}

// minHeap implements container/heap.Interface over heapItem, ordered
// by time ascending; Index supplies the key tie-break via less.
type minHeap[K comparable] struct {
	items []heapItem[K]
	less  func(a, b K) bool
}

func (h *minHeap[K]) Len() int { return len(h.items) }

func (h *minHeap[K]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.time != b.time {
		return a.time < b.time
	}
	if h.less != nil {
		return h.less(a.key, b.key)
	}
	return false
}

func (h *minHeap[K]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *minHeap[K]) Push(x any) {
	h.items = append(h.items, x.(heapItem[K])) //nolint:forcetypeassert // heap.Interface contract
}

func (h *minHeap[K]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
