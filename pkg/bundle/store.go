package bundle

import (
	"sync"
)

// idSeqBits is the width of the sequence portion of a local bundle ID; the
// high bits carry the generator version so that IDs stay unique across a
// sequence wrap.
const idSeqBits = 56

// IDGenerator assigns local bundle IDs: monotonic, process-local, wrapping
// into a new version when the sequence space is exhausted.
type IDGenerator struct {
	mu      sync.Mutex
	version uint64
	seq     uint64
}

// Next returns the next local bundle ID.
func (g *IDGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	if g.seq >= 1<<idSeqBits {
		g.seq = 1
		g.version++
	}
	return g.version<<idSeqBits | g.seq
}

// Seed advances the generator past an ID recovered from the datastore so
// reloaded bundles never collide with new ones.
func (g *IDGenerator) Seed(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	version, seq := id>>idSeqBits, id&(1<<idSeqBits-1)
	if version > g.version || (version == g.version && seq > g.seq) {
		g.version, g.seq = version, seq
	}
}

// Store owns every live bundle and the index structure over them:
//
//   - all:        every live bundle, by local ID
//   - pending:    bundles not yet delivered, transmitted, or expired
//   - custody:    bundles in local custody
//   - dupefinder: bundles by GBOF, for duplicate detection
//
// Each index membership holds one strong reference; a bundle leaves the
// store entirely when its reference count reaches zero.
type Store struct {
	mu sync.Mutex

	gen IDGenerator

	all        map[uint64]*Bundle
	allRefs    map[uint64]Ref
	pending    map[uint64]Ref
	custody    map[uint64]Ref
	dupefinder map[GBOF]Ref
}

// NewStore creates an empty bundle store.
func NewStore() *Store {
	return &Store{
		all:        make(map[uint64]*Bundle),
		allRefs:    make(map[uint64]Ref),
		pending:    make(map[uint64]Ref),
		custody:    make(map[uint64]Ref),
		dupefinder: make(map[GBOF]Ref),
	}
}

// Insert assigns a local ID (unless the bundle already carries one from a
// datastore reload) and adds the bundle to the all_bundles index.
func (s *Store) Insert(b *Bundle) Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		b.ID = s.gen.Next()
	} else {
		s.gen.Seed(b.ID)
	}
	if _, ok := s.all[b.ID]; ok {
		panic("bundle: duplicate local bundle ID")
	}
	s.all[b.ID] = b
	s.allRefs[b.ID] = TakeRef(b)
	return TakeRef(b)
}

// Get returns a new reference to the bundle with the given local ID.
func (s *Store) Get(id uint64) (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.all[id]
	if !ok {
		return Ref{}, false
	}
	return TakeRef(b), true
}

// FindByGBOF returns a new reference to the bundle matching the GBOF
// fingerprint, consulting the dupefinder index.
func (s *Store) FindByGBOF(key GBOF) (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.dupefinder[key]
	if !ok {
		return Ref{}, false
	}
	return TakeRef(ref.b), true
}

// AddPending adds the bundle to the pending index and, always, to the
// dupefinder index. Returns false if already pending.
func (s *Store) AddPending(b *Bundle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[b.ID]; ok {
		return false
	}
	s.pending[b.ID] = TakeRef(b)
	key := b.GBOF()
	if _, ok := s.dupefinder[key]; !ok {
		s.dupefinder[key] = TakeRef(b)
	}
	return true
}

// RemovePending removes the bundle from pending and dupefinder, releasing
// one reference per index left. Returns true when the bundle's reference
// count reached zero.
func (s *Store) RemovePending(b *Bundle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero := false
	if ref, ok := s.pending[b.ID]; ok {
		delete(s.pending, b.ID)
		zero = ref.Release() || zero
	}
	key := b.GBOF()
	if ref, ok := s.dupefinder[key]; ok && ref.b == b {
		delete(s.dupefinder, key)
		zero = ref.Release() || zero
	}
	return zero
}

// IsPending reports pending-index membership.
func (s *Store) IsPending(b *Bundle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[b.ID]
	return ok
}

// AddCustody marks local custody: sets the flag and adds the bundle to the
// custody index.
func (s *Store) AddCustody(b *Bundle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.custody[b.ID]; ok {
		return false
	}
	b.LocalCustody = true
	s.custody[b.ID] = TakeRef(b)
	return true
}

// RemoveCustody clears local custody and removes the bundle from the
// custody index.
func (s *Store) RemoveCustody(b *Bundle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.LocalCustody = false
	ref, ok := s.custody[b.ID]
	if !ok {
		return false
	}
	delete(s.custody, b.ID)
	ref.Release()
	return true
}

// InCustody reports custody-index membership.
func (s *Store) InCustody(b *Bundle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.custody[b.ID]
	return ok
}

// CustodyBundles returns a reference to every bundle in local custody.
func (s *Store) CustodyBundles() []Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ref, 0, len(s.custody))
	for _, ref := range s.custody {
		out = append(out, TakeRef(ref.b))
	}
	return out
}

// FindCustodyByGBOF locates a custody bundle by its GBOF fingerprint; used
// to match inbound custody signals.
func (s *Store) FindCustodyByGBOF(key GBOF) (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range s.custody {
		if ref.b.GBOF() == key {
			return TakeRef(ref.b), true
		}
	}
	return Ref{}, false
}

// PendingBundles returns a reference to every pending bundle.
func (s *Store) PendingBundles() []Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ref, 0, len(s.pending))
	for _, ref := range s.pending {
		out = append(out, TakeRef(ref.b))
	}
	return out
}

// Erase removes the bundle from the all_bundles index, releasing the
// index's own reference. The caller must already have removed pending and
// custody membership.
func (s *Store) Erase(b *Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[b.ID]; ok {
		panic("bundle: erase of pending bundle")
	}
	if _, ok := s.custody[b.ID]; ok {
		panic("bundle: erase of custody bundle")
	}
	ref, ok := s.allRefs[b.ID]
	if !ok {
		return
	}
	delete(s.all, b.ID)
	delete(s.allRefs, b.ID)
	ref.Release()
}

// Contains reports all_bundles membership.
func (s *Store) Contains(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.all[id]
	return ok
}

// Counts returns the sizes of (all, pending, custody, dupefinder).
func (s *Store) Counts() (all, pending, custody, dupe int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all), len(s.pending), len(s.custody), len(s.dupefinder)
}
