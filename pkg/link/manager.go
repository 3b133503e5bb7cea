package link

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kestrelworks/dtnd/pkg/eid"
)

// Record is the persisted form of a link, stored in the links table when
// the link is persistent.
type Record struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	CLName  string            `json:"cl"`
	NextHop string            `json:"nexthop"`
	Remote  string            `json:"remote"`
	Params  map[string]string `json:"params,omitempty"`
}

// Manager owns the link set. Readers take the read lock; the Main worker
// serializes state transitions.
type Manager struct {
	mu    sync.RWMutex
	links map[string]*Link
}

// NewManager creates an empty link manager.
func NewManager() *Manager {
	return &Manager{links: make(map[string]*Link)}
}

// Add registers a link; names are unique.
func (m *Manager) Add(l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[l.Name]; ok {
		return fmt.Errorf("link: duplicate link %q", l.Name)
	}
	m.links[l.Name] = l
	return nil
}

// Del removes a link by name, returning it.
func (m *Manager) Del(name string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[name]
	if ok {
		delete(m.links, name)
	}
	return l, ok
}

// Find returns a link by name.
func (m *Manager) Find(name string) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[name]
	return l, ok
}

// All returns a snapshot of every link.
func (m *Manager) All() []*Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// FindByRemote returns the links whose remote endpoint matches.
func (m *Manager) FindByRemote(remote eid.EID) []*Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Link
	for _, l := range m.links {
		if l.Remote.Equal(remote) {
			out = append(out, l)
		}
	}
	return out
}

// EncodeRecord renders the persisted form of a link.
func EncodeRecord(l *Link) ([]byte, error) {
	return json.Marshal(Record{
		Name:    l.Name,
		Type:    l.Type.String(),
		CLName:  l.CLName,
		NextHop: l.NextHop,
		Remote:  l.Remote.String(),
		Params:  l.Params,
	})
}

// DecodeRecord parses a persisted link record.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("link: decode record: %w", err)
	}
	return &rec, nil
}

// Reincarnate rebuilds a link from its persisted record against the CL
// registry. Opportunistic links are never reincarnated.
func Reincarnate(rec *Record, reg *Registry) (*Link, error) {
	typ, err := ParseType(rec.Type)
	if err != nil {
		return nil, err
	}
	if typ == Opportunistic {
		return nil, fmt.Errorf("link: refusing to reincarnate opportunistic link %q", rec.Name)
	}
	cl, err := reg.Find(rec.CLName)
	if err != nil {
		return nil, err
	}
	remote, err := eid.Parse(rec.Remote)
	if err != nil {
		return nil, err
	}
	l := New(rec.Name, typ, cl, rec.NextHop, remote)
	l.Persistent = true
	l.Reincarnated = true
	l.Params = rec.Params
	if err := cl.InitLink(l, rec.Params); err != nil {
		return nil, fmt.Errorf("link: reincarnate %q: %w", rec.Name, err)
	}
	return l, nil
}
