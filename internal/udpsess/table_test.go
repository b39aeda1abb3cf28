package udpsess_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/tinyportmapper/internal/addr"
	"github.com/dantte-lp/tinyportmapper/internal/handle"
	"github.com/dantte-lp/tinyportmapper/internal/udpsess"
)

func client(port uint16) addr.Endpoint {
	return addr.New(netip.MustParseAddr("192.0.2.1"), port)
}

func TestTableInsertAndDualIndexLookup(t *testing.T) {
	t.Parallel()

	tbl := udpsess.New(udpsess.DefaultTimeout, udpsess.DefaultSweepRatio, udpsess.DefaultSweepMin)
	now := time.Unix(1000, 0)
	c := client(1)

	s := udpsess.NewSession(c, handle.Handle(10), handle.Handle(1), now)
	tbl.Insert(s, now)

	got, ok := tbl.Get(c)
	if !ok || got != s {
		t.Fatalf("Get(%v) = (%v, %v), want the inserted session", c, got, ok)
	}

	backClient, ok := tbl.LookupByHandle(handle.Handle(10))
	if !ok || backClient != c {
		t.Fatalf("LookupByHandle(10) = (%v, %v), want (%v, true)", backClient, ok, c)
	}
}

func TestTableRemoveDropsBothIndices(t *testing.T) {
	t.Parallel()

	tbl := udpsess.New(udpsess.DefaultTimeout, udpsess.DefaultSweepRatio, udpsess.DefaultSweepMin)
	now := time.Unix(1000, 0)
	c := client(2)

	s := udpsess.NewSession(c, handle.Handle(20), handle.Handle(1), now)
	tbl.Insert(s, now)
	tbl.Remove(c)

	if _, ok := tbl.Get(c); ok {
		t.Errorf("Get(%v) found after Remove", c)
	}
	if _, ok := tbl.LookupByHandle(handle.Handle(20)); ok {
		t.Errorf("LookupByHandle(20) found after Remove")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d after Remove, want 0", tbl.Len())
	}
}

func TestTableSweepEvictsIdleSessionsFromBothIndices(t *testing.T) {
	t.Parallel()

	tbl := udpsess.New(30*time.Second, 1, 1)
	base := time.Unix(1000, 0)

	stale := udpsess.NewSession(client(3), handle.Handle(30), handle.Handle(1), base)
	fresh := udpsess.NewSession(client(4), handle.Handle(40), handle.Handle(1), base.Add(time.Minute))

	tbl.Insert(stale, base)
	tbl.Insert(fresh, base.Add(time.Minute))

	now := base.Add(45 * time.Second)
	evicted := tbl.Sweep(now)

	if len(evicted) != 1 || evicted[0] != stale {
		t.Fatalf("Sweep() evicted %v, want [stale]", evicted)
	}
	if _, ok := tbl.LookupByHandle(stale.Outbound); ok {
		t.Errorf("LookupByHandle(%d) still resolves after sweep", stale.Outbound)
	}
	if _, ok := tbl.LookupByHandle(fresh.Outbound); !ok {
		t.Errorf("LookupByHandle(%d) missing for surviving session", fresh.Outbound)
	}
}

func TestTableTouchUpdatesSessionLastActive(t *testing.T) {
	t.Parallel()

	tbl := udpsess.New(udpsess.DefaultTimeout, udpsess.DefaultSweepRatio, udpsess.DefaultSweepMin)
	now := time.Unix(1000, 0)
	c := client(5)

	s := udpsess.NewSession(c, handle.Handle(50), handle.Handle(1), now)
	tbl.Insert(s, now)

	later := now.Add(time.Minute)
	tbl.Touch(c, later)

	if !s.LastActive().Equal(later) {
		t.Fatalf("LastActive() = %v, want %v", s.LastActive(), later)
	}
}
