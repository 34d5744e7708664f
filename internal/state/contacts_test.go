package state

import (
	"net/netip"
	"slices"
	"testing"
	"time"
)

const (
	testTimeout    = 30 * time.Second
	testInactivity = 60 * time.Second
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func hasEdge(t *testing.T, tbl *ContactTable, a, b netip.Addr) bool {
	t.Helper()
	ca, okA := tbl.Get(a)
	cb, okB := tbl.Get(b)
	if !okA || !okB {
		return false
	}
	inA := slices.Contains(ca.Mutual, b)
	inB := slices.Contains(cb.Mutual, a)
	if inA != inB {
		t.Fatalf("asymmetric edge %s-%s: %v/%v", a, b, inA, inB)
	}
	return inA
}

func TestRecordSightingCreatesAndRefreshes(t *testing.T) {
	tbl := NewContactTable(4, testTimeout)
	a := addr(t, "fd00::212:7401:1:101")

	if !tbl.RecordSighting(a, t0) {
		t.Fatal("first sighting dropped")
	}
	later := t0.Add(10 * time.Second)
	if !tbl.RecordSighting(a, later) {
		t.Fatal("refresh sighting dropped")
	}

	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
	c, ok := tbl.Get(a)
	if !ok {
		t.Fatal("contact missing")
	}
	if !c.LastSeen.Equal(later) || !c.LastActivity.Equal(later) {
		t.Errorf("timestamps = %v/%v, want %v", c.LastSeen, c.LastActivity, later)
	}
	if len(c.Mutual) != 0 {
		t.Errorf("single contact has mutual peers %v", c.Mutual)
	}
}

func TestCapacityIsNeverExceeded(t *testing.T) {
	const max = 5
	tbl := NewContactTable(max, testTimeout)
	for i := 1; i <= 3*max; i++ {
		a := netip.AddrFrom16([16]byte{0xfd, 15: byte(i)})
		recorded := tbl.RecordSighting(a, t0.Add(time.Duration(i)*time.Second))
		if i <= max && !recorded {
			t.Fatalf("sighting %d dropped below capacity", i)
		}
		if i > max && recorded {
			t.Fatalf("sighting %d accepted beyond capacity", i)
		}
		if tbl.Len() > max {
			t.Fatalf("Len() = %d exceeds capacity %d", tbl.Len(), max)
		}
	}
	// Refreshing a known contact still works when full.
	first := netip.AddrFrom16([16]byte{0xfd, 15: 1})
	if !tbl.RecordSighting(first, t0.Add(time.Minute)) {
		t.Error("refresh of existing contact dropped on a full table")
	}
}

func TestMutualEdgesAreSymmetric(t *testing.T) {
	tbl := NewContactTable(8, testTimeout)
	addrs := []netip.Addr{
		addr(t, "fd00::1"), addr(t, "fd00::2"), addr(t, "fd00::3"), addr(t, "fd00::4"),
	}
	for i, a := range addrs {
		tbl.RecordSighting(a, t0.Add(time.Duration(i)*time.Second))
	}
	for _, a := range addrs {
		for _, b := range addrs {
			if a == b {
				continue
			}
			if !hasEdge(t, tbl, a, b) {
				t.Errorf("missing edge %s-%s", a, b)
			}
		}
		c, _ := tbl.Get(a)
		if slices.Contains(c.Mutual, a) {
			t.Errorf("%s lists itself", a)
		}
		sorted := slices.Clone(c.Mutual)
		slices.SortFunc(sorted, func(x, y netip.Addr) int { return x.Compare(y) })
		if len(slices.Compact(sorted)) != len(c.Mutual) {
			t.Errorf("%s has duplicate mutual peers %v", a, c.Mutual)
		}
	}
	if got, want := tbl.EdgesInUse(), 4*3; got != want {
		t.Errorf("EdgesInUse() = %d, want %d", got, want)
	}
}

func TestStaleContactsAreNotLinked(t *testing.T) {
	tbl := NewContactTable(8, testTimeout)
	a, b := addr(t, "fd00::a"), addr(t, "fd00::b")

	tbl.RecordSighting(a, t0)
	tbl.RecordSighting(b, t0.Add(testTimeout+time.Second))

	if hasEdge(t, tbl, a, b) {
		t.Error("edge formed although a was outside the recency window")
	}
}

func TestEdgesAreStickyUntilEviction(t *testing.T) {
	tbl := NewContactTable(8, testTimeout)
	a, b, c := addr(t, "fd00::a"), addr(t, "fd00::b"), addr(t, "fd00::c")

	tbl.RecordSighting(a, t0)
	tbl.RecordSighting(b, t0.Add(time.Second))
	if !hasEdge(t, tbl, a, b) {
		t.Fatal("a-b edge not formed")
	}

	// Let recency lapse for a and b, then see only c.
	lapse := t0.Add(testTimeout + 5*time.Second)
	tbl.RecordSighting(c, lapse)

	if !hasEdge(t, tbl, a, b) {
		t.Error("a-b edge retracted without eviction")
	}
	if hasEdge(t, tbl, a, c) || hasEdge(t, tbl, b, c) {
		t.Error("c linked to stale contacts")
	}

	// Keep b alive, let a go inactive; evicting a drops the edge.
	tbl.RecordSighting(b, t0.Add(testInactivity))
	n := tbl.EvictInactive(t0.Add(testInactivity+2*time.Second), testInactivity, nil)
	if n != 1 {
		t.Fatalf("EvictInactive() = %d, want 1", n)
	}
	if _, ok := tbl.Get(a); ok {
		t.Fatal("a still present after eviction")
	}
	cb, _ := tbl.Get(b)
	if slices.Contains(cb.Mutual, a) {
		t.Error("b still lists evicted a")
	}
}

func TestEvictInactiveReportsEachContactOnce(t *testing.T) {
	tbl := NewContactTable(8, testTimeout)
	a, b, c := addr(t, "fd00::a"), addr(t, "fd00::b"), addr(t, "fd00::c")

	tbl.RecordSighting(a, t0)
	tbl.RecordSighting(b, t0)
	tbl.RecordSighting(c, t0.Add(50*time.Second))

	var departed []netip.Addr
	onDepart := func(ct Contact) { departed = append(departed, ct.Addr) }

	// Exactly at the threshold nothing leaves.
	if n := tbl.EvictInactive(t0.Add(testInactivity), testInactivity, onDepart); n != 0 {
		t.Fatalf("evicted %d at the threshold boundary", n)
	}

	now := t0.Add(testInactivity + time.Second)
	if n := tbl.EvictInactive(now, testInactivity, onDepart); n != 2 {
		t.Fatalf("EvictInactive() = %d, want 2", n)
	}
	if n := tbl.EvictInactive(now, testInactivity, onDepart); n != 0 {
		t.Fatalf("second pass evicted %d", n)
	}

	slices.SortFunc(departed, func(x, y netip.Addr) int { return x.Compare(y) })
	if !slices.Equal(departed, []netip.Addr{a, b}) {
		t.Errorf("departed = %v, want [%s %s]", departed, a, b)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
	if tbl.EdgesInUse() != 0 {
		t.Errorf("EdgesInUse() = %d after evicting all peers of c", tbl.EdgesInUse())
	}
}

func TestSlotsAreReusedAfterEviction(t *testing.T) {
	tbl := NewContactTable(2, testTimeout)
	a, b, c := addr(t, "fd00::a"), addr(t, "fd00::b"), addr(t, "fd00::c")

	tbl.RecordSighting(a, t0)
	tbl.RecordSighting(b, t0.Add(40*time.Second))
	if tbl.RecordSighting(c, t0.Add(40*time.Second)) {
		t.Fatal("third contact accepted in a two-slot table")
	}

	tbl.EvictInactive(t0.Add(61*time.Second), testInactivity, nil)
	if !tbl.RecordSighting(c, t0.Add(62*time.Second)) {
		t.Fatal("freed slot not reused")
	}
	if got := tbl.Addrs(); !slices.Equal(got, []netip.Addr{b, c}) {
		t.Errorf("Addrs() = %v, want [%s %s]", got, b, c)
	}
	if !hasEdge(t, tbl, b, c) {
		t.Error("b-c edge missing after slot reuse")
	}
}

func TestMinMutualDegree(t *testing.T) {
	tbl := NewContactTable(8, testTimeout)
	if tbl.MinMutualDegree() != 0 {
		t.Fatal("empty table should have degree 0")
	}
	tbl.RecordSighting(addr(t, "fd00::1"), t0)
	tbl.RecordSighting(addr(t, "fd00::2"), t0)
	tbl.RecordSighting(addr(t, "fd00::3"), t0)
	if got := tbl.MinMutualDegree(); got != 2 {
		t.Errorf("MinMutualDegree() = %d, want 2", got)
	}
	tbl.RecordSighting(addr(t, "fd00::4"), t0.Add(testTimeout+time.Second))
	if got := tbl.MinMutualDegree(); got != 0 {
		t.Errorf("MinMutualDegree() = %d, want 0 with an isolated contact", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tbl := NewContactTable(4, testTimeout)
	a, b := addr(t, "fd00::a"), addr(t, "fd00::b")
	tbl.RecordSighting(a, t0)
	tbl.RecordSighting(b, t0)

	snap := tbl.Snapshot()
	snap[0].Mutual[0] = netip.Addr{}

	c, _ := tbl.Get(a)
	if c.Mutual[0] != b {
		t.Error("mutating a snapshot changed the table")
	}
}
