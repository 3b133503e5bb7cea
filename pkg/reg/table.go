package reg

import (
	"fmt"
	"sync"

	"github.com/kestrelworks/dtnd/pkg/eid"
)

// firstDynamicRegID is the lowest regid handed to user registrations;
// lower values are reserved for the daemon's built-in registrations.
const firstDynamicRegID uint32 = 10

// Table maps regids to registrations and answers destination lookups.
type Table struct {
	mu     sync.RWMutex
	byID   map[uint32]*Registration
	nextID uint32
}

// NewTable creates an empty registration table.
func NewTable() *Table {
	return &Table{
		byID:   make(map[uint32]*Registration),
		nextID: firstDynamicRegID,
	}
}

// NextID allocates a fresh regid.
func (t *Table) NextID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

// Add inserts a registration; regids are unique.
func (t *Table) Add(r *Registration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[r.ID]; ok {
		return fmt.Errorf("reg: duplicate regid %d", r.ID)
	}
	t.byID[r.ID] = r
	if r.ID >= t.nextID {
		t.nextID = r.ID + 1
	}
	return nil
}

// Del removes a registration by regid.
func (t *Table) Del(id uint32) (*Registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	return r, ok
}

// Get returns a registration by regid.
func (t *Table) Get(id uint32) (*Registration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byID[id]
	return r, ok
}

// LookupByEID returns every registration whose pattern matches the
// destination.
func (t *Table) LookupByEID(dest eid.EID) []*Registration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Registration
	for _, r := range t.byID {
		if r.Pattern.Matches(dest) {
			out = append(out, r)
		}
	}
	return out
}

// All returns a snapshot of every registration.
func (t *Table) All() []*Registration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Registration, 0, len(t.byID))
	for _, r := range t.byID {
		out = append(out, r)
	}
	return out
}

// Expired returns every registration whose expiration has lapsed.
func (t *Table) Expired() []*Registration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Registration
	for _, r := range t.byID {
		if r.Expired() {
			out = append(out, r)
		}
	}
	return out
}
