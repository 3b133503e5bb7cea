package acs

import (
	"sync"
	"time"

	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/eid"
)

// AddResult describes one custody-ID addition.
type AddResult struct {
	Key       string
	Placement Placement
	// FlushNow is set when the addition brought the payload to or past the
	// per-route maximum.
	FlushNow bool
	// Armed is set when this addition created the pending signal, so the
	// caller should arm its accumulation timer for Delay.
	Armed bool
	Delay time.Duration
}

// Manager owns the pending-signal map. It is driven by the ACS worker;
// external readers go through it.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*PendingSignal
	params  *ParamStore
	alloc   *IDAllocator
}

// NewManager creates an ACS manager.
func NewManager(params *ParamStore) *Manager {
	return &Manager{
		pending: make(map[string]*PendingSignal),
		params:  params,
		alloc:   NewIDAllocator(),
	}
}

// Allocator returns the custody-ID allocator.
func (m *Manager) Allocator() *IDAllocator { return m.alloc }

// Params returns the route parameter store.
func (m *Manager) Params() *ParamStore { return m.params }

// Enabled reports whether ACS applies for the given custodian.
func (m *Manager) Enabled(custodian eid.EID) bool {
	return m.params.For(custodian).Enabled
}

// Add records one custody ID for the given custodian and verdict,
// creating the pending signal if needed. The second value is false when
// the ID was already pending (a duplicate) and true when it was added.
func (m *Manager) Add(custodian eid.EID, succeeded bool, reason admin.ReasonCode, custodyID uint64) (AddResult, bool) {
	params := m.params.For(custodian)
	key := Key(custodian.String(), succeeded, reason)

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[key]
	created := false
	if !ok {
		p = &PendingSignal{
			Custodian: custodian.String(),
			Succeeded: succeeded,
			Reason:    reason,
			Created:   time.Now(),
		}
		m.pending[key] = p
		created = true
	}

	placement, added := p.Add(custodyID)
	if !added {
		return AddResult{Key: key}, false
	}

	res := AddResult{
		Key:       key,
		Placement: placement,
		Armed:     created,
		Delay:     params.Delay,
	}
	if params.Size > 0 && uint64(p.PayloadLen()) >= params.Size {
		res.FlushNow = true
	}
	return res, true
}

// TakeFlush removes and returns the pending signal for key, rendered as an
// aggregate custody signal. Returns nil when nothing is pending (the timer
// raced a size flush).
func (m *Manager) TakeFlush(key string) (*admin.AggregateCustodySignal, *PendingSignal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[key]
	if !ok {
		return nil, nil
	}
	delete(m.pending, key)
	return p.Signal(), p
}

// Restore reinstalls a pending signal loaded from the datastore.
func (m *Manager) Restore(p *PendingSignal) {
	m.mu.Lock()
	m.pending[p.Key()] = p
	m.mu.Unlock()
}

// Pending returns a snapshot of the pending keys.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	return keys
}

// Peek returns the pending signal for key without removing it.
func (m *Manager) Peek(key string) (*PendingSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[key]
	return p, ok
}
