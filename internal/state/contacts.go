// Package state holds the bounded contact registry and the mutual-contact
// graph derived from it. A ContactTable is owned by a single goroutine (the
// event loop); it does no locking of its own.
package state

import (
	"net/netip"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("contacts")

// Contact is one known peer.
type Contact struct {
	Addr netip.Addr

	// LastSeen feeds the mutual-contact recency test.
	LastSeen time.Time

	// LastActivity feeds inactivity eviction. It is refreshed by the same
	// sighting as LastSeen but kept separately.
	LastActivity time.Time

	// Mutual lists peers currently considered co-present, in the order the
	// edges were established.
	Mutual []netip.Addr
}

func (c *Contact) clone() Contact {
	cp := *c
	cp.Mutual = append([]netip.Addr(nil), c.Mutual...)
	return cp
}

type contactSlot struct {
	used bool
	Contact
}

// ContactTable is an arena of MaxContacts slots. Live slots are kept in
// insertion order; freed slots are reused.
type ContactTable struct {
	slots   []contactSlot
	order   []int
	free    []int
	edges   edgePool
	timeout time.Duration
}

// NewContactTable creates a table holding at most maxContacts live contacts.
// contactTimeout is the recency window of the mutual-contact predicate.
func NewContactTable(maxContacts int, contactTimeout time.Duration) *ContactTable {
	if maxContacts < 1 {
		maxContacts = 1
	}
	t := &ContactTable{
		slots:   make([]contactSlot, maxContacts),
		order:   make([]int, 0, maxContacts),
		free:    make([]int, 0, maxContacts),
		edges:   edgePool{capacity: maxContacts * maxContacts},
		timeout: contactTimeout,
	}
	for i := maxContacts - 1; i >= 0; i-- {
		t.free = append(t.free, i)
	}
	return t
}

// RecordSighting refreshes or creates the contact for addr and recomputes the
// mutual-contact graph. It returns false when the table is full and the
// sighting of a new address was dropped.
func (t *ContactTable) RecordSighting(addr netip.Addr, now time.Time) bool {
	recorded := true
	if i := t.lookup(addr); i >= 0 {
		c := &t.slots[i]
		c.LastSeen = now
		c.LastActivity = now
		log.Infof("Contact updated: %s", addr)
	} else if i, ok := t.alloc(); ok {
		c := &t.slots[i]
		c.used = true
		c.Contact = Contact{
			Addr:         addr,
			LastSeen:     now,
			LastActivity: now,
			Mutual:       c.Mutual[:0],
		}
		t.order = append(t.order, i)
		log.Infof("Contact added: %s", addr)
	} else {
		log.Debugf("contact table full (%d), dropping sighting of %s", len(t.slots), addr)
		recorded = false
	}

	t.recomputeMutual(now)
	return recorded
}

// EvictInactive removes every contact whose LastActivity is more than
// threshold before now. onDepart is called once per evicted contact, before
// its slot and edges are released, and must not modify the table.
func (t *ContactTable) EvictInactive(now time.Time, threshold time.Duration, onDepart func(Contact)) int {
	evicted := 0
	for k := 0; k < len(t.order); {
		c := &t.slots[t.order[k]]
		if now.Sub(c.LastActivity) <= threshold {
			k++
			continue
		}
		log.Infof("Contact left: %s", c.Addr)
		if onDepart != nil {
			onDepart(c.clone())
		}
		t.removeAt(k)
		evicted++
	}
	return evicted
}

// Len returns the number of live contacts.
func (t *ContactTable) Len() int { return len(t.order) }

// Cap returns the maximum number of live contacts.
func (t *ContactTable) Cap() int { return len(t.slots) }

// Get returns a copy of the contact for addr.
func (t *ContactTable) Get(addr netip.Addr) (Contact, bool) {
	i := t.lookup(addr)
	if i < 0 {
		return Contact{}, false
	}
	return t.slots[i].clone(), true
}

// Addrs returns the live contact addresses in insertion order.
func (t *ContactTable) Addrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(t.order))
	for _, i := range t.order {
		out = append(out, t.slots[i].Addr)
	}
	return out
}

// Snapshot returns copies of all live contacts in insertion order.
func (t *ContactTable) Snapshot() []Contact {
	out := make([]Contact, 0, len(t.order))
	for _, i := range t.order {
		out = append(out, t.slots[i].clone())
	}
	return out
}

// MinMutualDegree returns the smallest mutual-peer count over live contacts,
// or 0 for an empty table.
func (t *ContactTable) MinMutualDegree() int {
	if len(t.order) == 0 {
		return 0
	}
	min := len(t.slots)
	for _, i := range t.order {
		if d := len(t.slots[i].Mutual); d < min {
			min = d
		}
	}
	return min
}

func (t *ContactTable) lookup(addr netip.Addr) int {
	for _, i := range t.order {
		if t.slots[i].Addr == addr {
			return i
		}
	}
	return -1
}

func (t *ContactTable) alloc() (int, bool) {
	n := len(t.free)
	if n == 0 {
		return 0, false
	}
	i := t.free[n-1]
	t.free = t.free[:n-1]
	return i, true
}

// removeAt releases the contact at position k of the live order together with
// every edge that references it.
func (t *ContactTable) removeAt(k int) {
	i := t.order[k]
	c := &t.slots[i]
	addr := c.Addr

	t.edges.release(len(c.Mutual))
	c.Mutual = c.Mutual[:0]
	for _, j := range t.order {
		if j != i {
			t.dropMutual(j, addr)
		}
	}

	t.order = append(t.order[:k], t.order[k+1:]...)
	c.used = false
	c.Addr = netip.Addr{}
	t.free = append(t.free, i)
}
