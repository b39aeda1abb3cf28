package lru_test

import (
	"testing"
	"time"

	"github.com/dantte-lp/tinyportmapper/internal/lru"
)

func uint64Less(a, b uint64) bool { return a < b }

func TestSweepEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	idx := lru.New[uint64, string](uint64Less)
	base := time.Unix(1_000_000, 0)

	idx.Insert(1, "one", base)
	idx.Insert(2, "two", base.Add(1*time.Second))
	idx.Insert(3, "three", base.Add(2*time.Second))

	// timeout of 0 against "now" far in the future makes everything stale;
	// size=3, limit=30 -> size/limit = 0, min=1 -> a quota of 1 should
	// take only the single oldest entry.
	removed := idx.Sweep(base.Add(time.Hour), 0, 30, 1)
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("Sweep() = %v, want [1]", removed)
	}
	if idx.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", idx.Len())
	}
}

func TestSweepRespectsTimeout(t *testing.T) {
	t.Parallel()

	idx := lru.New[uint64, string](uint64Less)
	base := time.Unix(1_000_000, 0)

	idx.Insert(1, "one", base)
	idx.Insert(2, "two", base.Add(time.Minute))

	// Only entry 1 is older than the 30s timeout relative to "now".
	now := base.Add(45 * time.Second)
	removed := idx.Sweep(now, 30*time.Second, 1, 100)
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("Sweep() = %v, want [1]", removed)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", idx.Len())
	}
}

func TestSweepQuotaBoundsWork(t *testing.T) {
	t.Parallel()

	idx := lru.New[uint64, string](uint64Less)
	base := time.Unix(1_000_000, 0)

	for i := uint64(0); i < 90; i++ {
		idx.Insert(i, "v", base.Add(time.Duration(i)*time.Millisecond))
	}

	// size=90, limit=30 -> quota = 3.
	removed := idx.Sweep(base.Add(time.Hour), 0, 30, 1)
	if len(removed) != 3 {
		t.Fatalf("Sweep() removed %d, want 3", len(removed))
	}
}

func TestSweepQuotaNeverBelowMin(t *testing.T) {
	t.Parallel()

	idx := lru.New[uint64, string](uint64Less)
	base := time.Unix(1_000_000, 0)

	for i := uint64(0); i < 5; i++ {
		idx.Insert(i, "v", base.Add(time.Duration(i)*time.Millisecond))
	}

	// size=5, limit=30 -> size/limit = 0, but min=1 forces at least one.
	removed := idx.Sweep(base.Add(time.Hour), 0, 30, 1)
	if len(removed) != 1 {
		t.Fatalf("Sweep() removed %d, want 1", len(removed))
	}
}

func TestSweepTieBreaksByKey(t *testing.T) {
	t.Parallel()

	idx := lru.New[uint64, string](uint64Less)
	same := time.Unix(1_000_000, 0)

	// Insert out of key order, all with the identical timestamp.
	idx.Insert(5, "five", same)
	idx.Insert(2, "two", same)
	idx.Insert(9, "nine", same)

	removed := idx.Sweep(same.Add(time.Hour), 0, 1, 3)
	want := []uint64{2, 5, 9}
	if len(removed) != len(want) {
		t.Fatalf("Sweep() = %v, want %v", removed, want)
	}
	for i, k := range want {
		if removed[i] != k {
			t.Fatalf("Sweep()[%d] = %d, want %d (full: %v)", i, removed[i], k, removed)
		}
	}
}

func TestTouchMovesEntryToBackOfOrder(t *testing.T) {
	t.Parallel()

	idx := lru.New[uint64, string](uint64Less)
	base := time.Unix(1_000_000, 0)

	idx.Insert(1, "one", base)
	idx.Insert(2, "two", base.Add(time.Second))

	if err := idx.Touch(1, base.Add(time.Hour)); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	// Now 2 is the oldest; with a quota of 1 (size=2, limit=30, min=1)
	// only it is swept.
	removed := idx.Sweep(base.Add(2*time.Hour), 0, 30, 1)
	if len(removed) != 1 || removed[0] != 2 {
		t.Fatalf("Sweep() = %v, want [2]", removed)
	}
}

func TestTouchUnknownKeyReturnsError(t *testing.T) {
	t.Parallel()

	idx := lru.New[uint64, string](uint64Less)
	if err := idx.Touch(42, time.Now()); err != lru.ErrNotFound {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
}

func TestRemoveDropsEntryAndIgnoresStaleHeapItems(t *testing.T) {
	t.Parallel()

	idx := lru.New[uint64, string](uint64Less)
	base := time.Unix(1_000_000, 0)

	idx.Insert(1, "one", base)
	idx.Insert(2, "two", base.Add(time.Second))
	idx.Remove(1)

	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", idx.Len())
	}

	removed := idx.Sweep(base.Add(time.Hour), 0, 1, 10)
	if len(removed) != 1 || removed[0] != 2 {
		t.Fatalf("Sweep() = %v, want [2] (removed key 1 must not resurface)", removed)
	}
}

func TestGetReturnsStoredValue(t *testing.T) {
	t.Parallel()

	idx := lru.New[uint64, string](uint64Less)
	idx.Insert(1, "hello", time.Now())

	v, ok := idx.Get(1)
	if !ok || v != "hello" {
		t.Fatalf("Get(1) = (%q, %v), want (\"hello\", true)", v, ok)
	}

	if _, ok := idx.Get(999); ok {
		t.Fatalf("Get(999) found, want not found")
	}
}
