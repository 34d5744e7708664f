package state

import (
	"net/netip"
	"slices"
	"time"
)

// edgePool accounts for mutual-edge storage shared by all contacts. Its
// capacity is MaxContacts², the size of a complete graph.
type edgePool struct {
	capacity int
	used     int
}

func (p *edgePool) reserve(n int) bool {
	if p.used+n > p.capacity {
		return false
	}
	p.used += n
	return true
}

func (p *edgePool) release(n int) {
	p.used -= n
	if p.used < 0 {
		p.used = 0
	}
}

// EdgesInUse returns the number of allocated edge halves.
func (t *ContactTable) EdgesInUse() int { return t.edges.used }

// recent reports whether c was seen within the contact timeout.
func (t *ContactTable) recent(c *Contact, now time.Time) bool {
	return now.Sub(c.LastSeen) <= t.timeout
}

// recomputeMutual links every pair of recently seen contacts. Both halves of
// an edge are inserted together or not at all. Existing edges are never
// retracted here; only eviction removes them.
func (t *ContactTable) recomputeMutual(now time.Time) {
	exhausted := false
	for x, i := range t.order {
		a := &t.slots[i].Contact
		if !t.recent(a, now) {
			continue
		}
		for _, j := range t.order[x+1:] {
			b := &t.slots[j].Contact
			if !t.recent(b, now) {
				continue
			}
			needA := !slices.Contains(a.Mutual, b.Addr)
			needB := !slices.Contains(b.Mutual, a.Addr)
			n := 0
			if needA {
				n++
			}
			if needB {
				n++
			}
			if n == 0 {
				continue
			}
			if !t.edges.reserve(n) {
				exhausted = true
				continue
			}
			if needA {
				a.Mutual = append(a.Mutual, b.Addr)
			}
			if needB {
				b.Mutual = append(b.Mutual, a.Addr)
			}
		}
	}
	if exhausted {
		log.Warnf("mutual edge pool exhausted (%d/%d)", t.edges.used, t.edges.capacity)
	}
}

// dropMutual removes addr from the mutual set of the contact in slot i.
func (t *ContactTable) dropMutual(i int, addr netip.Addr) {
	c := &t.slots[i]
	if k := slices.Index(c.Mutual, addr); k >= 0 {
		c.Mutual = slices.Delete(c.Mutual, k, k+1)
		t.edges.release(1)
	}
}
