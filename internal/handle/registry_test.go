package handle_test

import (
	"testing"
	"time"

	"github.com/dantte-lp/tinyportmapper/internal/handle"
)

func TestMintIsMonotonicAndNeverReused(t *testing.T) {
	t.Parallel()

	r := handle.New()
	now := time.Unix(1000, 0)

	h1 := r.Mint(10, now)
	h2 := r.Mint(11, now)

	if h2 <= h1 {
		t.Fatalf("Mint() not monotonic: h1=%d h2=%d", h1, h2)
	}

	r.Release(h1)
	h3 := r.Mint(10, now) // fd 10 recycled by the kernel
	if h3 == h1 {
		t.Fatalf("Mint() reused handle %d after release", h1)
	}
}

func TestResolveBothDirections(t *testing.T) {
	t.Parallel()

	r := handle.New()
	now := time.Unix(1000, 0)
	h := r.Mint(42, now)

	fd, ok := r.FD(h)
	if !ok || fd != 42 {
		t.Fatalf("FD(%d) = (%d, %v), want (42, true)", h, fd, ok)
	}

	got, ok := r.HandleOf(42)
	if !ok || got != h {
		t.Fatalf("HandleOf(42) = (%d, %v), want (%d, true)", got, ok, h)
	}
}

func TestReleaseRemovesBothMappings(t *testing.T) {
	t.Parallel()

	r := handle.New()
	now := time.Unix(1000, 0)
	h := r.Mint(7, now)
	r.Release(h)

	if _, ok := r.FD(h); ok {
		t.Errorf("FD(%d) found after Release", h)
	}
	if _, ok := r.HandleOf(7); ok {
		t.Errorf("HandleOf(7) found after Release")
	}
	if _, err := r.LastActive(h); err == nil {
		t.Errorf("LastActive(%d) succeeded after Release", h)
	}
}

func TestTouchUpdatesLastActive(t *testing.T) {
	t.Parallel()

	r := handle.New()
	t0 := time.Unix(1000, 0)
	h := r.Mint(1, t0)

	t1 := t0.Add(5 * time.Second)
	r.Touch(h, t1)

	got, err := r.LastActive(h)
	if err != nil {
		t.Fatalf("LastActive() error: %v", err)
	}
	if !got.Equal(t1) {
		t.Errorf("LastActive() = %v, want %v", got, t1)
	}
}

func TestTouchUnknownHandleIsNoop(t *testing.T) {
	t.Parallel()

	r := handle.New()
	r.Touch(handle.Handle(999), time.Now())
}

func TestLenTracksLiveHandles(t *testing.T) {
	t.Parallel()

	r := handle.New()
	now := time.Now()
	h1 := r.Mint(1, now)
	r.Mint(2, now)

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	r.Release(h1)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}
