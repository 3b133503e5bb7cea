package acs

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/eid"
)

// Placement reports where a custody ID landed in a pending signal's
// run-length encoding.
type Placement int

const (
	InsertFirst Placement = iota
	Insert
	InsertAtEnd
	ExtendEntry
	PrependEntry
)

func (p Placement) String() string {
	switch p {
	case InsertFirst:
		return "INSERT_FIRST"
	case Insert:
		return "INSERT"
	case InsertAtEnd:
		return "INSERT_AT_END"
	case ExtendEntry:
		return "EXTEND_ENTRY"
	case PrependEntry:
		return "PREPEND_ENTRY"
	default:
		return "INVALID"
	}
}

// IDAllocator hands out custody IDs, monotonic from 1.
type IDAllocator struct {
	mu   sync.Mutex
	next uint64
}

// NewIDAllocator creates an allocator starting at 1.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{next: 1}
}

// Next returns a fresh custody ID.
func (a *IDAllocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// Seed advances the allocator past an ID recovered from the datastore.
func (a *IDAllocator) Seed(id uint64) {
	a.mu.Lock()
	if id >= a.next {
		a.next = id + 1
	}
	a.mu.Unlock()
}

// run is a decoded form of one RLE entry: IDs [first, last], both inclusive.
type run struct {
	first, last uint64
}

// PendingSignal accumulates custody IDs bound for one
// (custodian, succeeded, reason) key.
type PendingSignal struct {
	Custodian string           `json:"custodian"`
	Succeeded bool             `json:"succeeded"`
	Reason    admin.ReasonCode `json:"reason"`
	Runs      []Run            `json:"runs"`
	Created   time.Time        `json:"created"`
}

// Run is the persisted form of one ID run.
type Run struct {
	First uint64 `json:"first"`
	Last  uint64 `json:"last"`
}

// Key identifies a pending signal: destination custodian + verdict.
func Key(custodian string, succeeded bool, reason admin.ReasonCode) string {
	return fmt.Sprintf("%s|%t|%d", custodian, succeeded, reason)
}

// Key returns the signal's map key.
func (p *PendingSignal) Key() string {
	return Key(p.Custodian, p.Succeeded, p.Reason)
}

// Add inserts a custody ID, keeping runs sorted and coalesced. The second
// return is false when the ID is already present.
func (p *PendingSignal) Add(id uint64) (Placement, bool) {
	runs := p.Runs
	n := len(runs)
	if n == 0 {
		p.Runs = []Run{{First: id, Last: id}}
		return InsertFirst, true
	}

	// Find the first run whose Last >= id-1 (candidate for membership,
	// extension, or prepend).
	i := sort.Search(n, func(i int) bool { return runs[i].Last+1 >= id })
	if i < n {
		r := runs[i]
		switch {
		case id >= r.First && id <= r.Last:
			return 0, false
		case id == r.Last+1:
			runs[i].Last = id
			p.coalesce(i)
			return ExtendEntry, true
		case id == r.First-1:
			runs[i].First = id
			if i > 0 && runs[i-1].Last+1 == id {
				p.coalesce(i - 1)
			}
			return PrependEntry, true
		default:
			// New run strictly between i-1 and i.
			p.Runs = append(runs[:i:i], append([]Run{{First: id, Last: id}}, runs[i:]...)...)
			if i == 0 {
				return InsertFirst, true
			}
			return Insert, true
		}
	}

	p.Runs = append(runs, Run{First: id, Last: id})
	return InsertAtEnd, true
}

// coalesce merges run i with run i+1 when adjacent.
func (p *PendingSignal) coalesce(i int) {
	if i+1 < len(p.Runs) && p.Runs[i].Last+1 >= p.Runs[i+1].First {
		if p.Runs[i+1].Last > p.Runs[i].Last {
			p.Runs[i].Last = p.Runs[i+1].Last
		}
		p.Runs = append(p.Runs[:i+1], p.Runs[i+2:]...)
	}
}

// Signal renders the accumulated runs as an aggregate custody signal.
func (p *PendingSignal) Signal() *admin.AggregateCustodySignal {
	out := &admin.AggregateCustodySignal{
		Succeeded: p.Succeeded,
		Reason:    p.Reason,
	}
	prevEnd := uint64(0)
	for _, r := range p.Runs {
		out.Entries = append(out.Entries, admin.ACSEntry{
			Gap:  r.First - prevEnd - 1,
			Fill: r.Last - r.First + 1,
		})
		prevEnd = r.Last
	}
	return out
}

// PayloadLen returns the encoded ACS payload size for the current runs.
func (p *PendingSignal) PayloadLen() int {
	return p.Signal().EncodedLen()
}

// IDCount returns the number of accumulated custody IDs.
func (p *PendingSignal) IDCount() uint64 {
	var n uint64
	for _, r := range p.Runs {
		n += r.Last - r.First + 1
	}
	return n
}

// Encode renders the persisted form of the pending signal.
func (p *PendingSignal) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePending parses a persisted pending signal.
func DecodePending(data []byte) (*PendingSignal, error) {
	var p PendingSignal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("acs: decode pending: %w", err)
	}
	return &p, nil
}

// RouteParams are the ACS parameters in force for one destination.
type RouteParams struct {
	Enabled bool
	Size    uint64        // max payload length before flush; 0 = unlimited
	Delay   time.Duration // accumulation window
}

// Override binds route-specific parameters to an endpoint pattern.
type Override struct {
	Pattern eid.Pattern
	Params  RouteParams
}

// ParamStore resolves ACS parameters by longest-match endpoint pattern.
type ParamStore struct {
	mu        sync.RWMutex
	defaults  RouteParams
	overrides []Override
}

// NewParamStore creates a store with the given defaults.
func NewParamStore(defaults RouteParams) *ParamStore {
	return &ParamStore{defaults: defaults}
}

// SetOverride installs or replaces the override for a pattern.
func (s *ParamStore) SetOverride(pattern eid.Pattern, params RouteParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.overrides {
		if s.overrides[i].Pattern.String() == pattern.String() {
			s.overrides[i].Params = params
			return
		}
	}
	s.overrides = append(s.overrides, Override{Pattern: pattern, Params: params})
}

// For resolves the parameters for a destination custodian.
func (s *ParamStore) For(custodian eid.EID) RouteParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := -1
	bestLen := -1
	for i, o := range s.overrides {
		if o.Pattern.Matches(custodian) && o.Pattern.PrefixLen() > bestLen {
			best, bestLen = i, o.Pattern.PrefixLen()
		}
	}
	if best >= 0 {
		return s.overrides[best].Params
	}
	return s.defaults
}
