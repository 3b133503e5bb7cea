package link

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/eid"
)

// State is the link state machine.
type State int

const (
	Unavailable State = iota
	Available
	Opening
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Unavailable:
		return "UNAVAILABLE"
	case Available:
		return "AVAILABLE"
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

// Type classifies how a link comes and goes.
type Type int

const (
	AlwaysOn Type = iota
	OnDemand
	Scheduled
	Opportunistic
)

func (t Type) String() string {
	switch t {
	case AlwaysOn:
		return "alwayson"
	case OnDemand:
		return "ondemand"
	case Scheduled:
		return "scheduled"
	case Opportunistic:
		return "opportunistic"
	default:
		return "invalid"
	}
}

// ParseType parses a link type name.
func ParseType(s string) (Type, error) {
	switch s {
	case "alwayson":
		return AlwaysOn, nil
	case "ondemand":
		return OnDemand, nil
	case "scheduled":
		return Scheduled, nil
	case "opportunistic":
		return Opportunistic, nil
	}
	return 0, fmt.Errorf("link: unknown type %q", s)
}

// Contact is one open span on a link. Contact lifetime is strictly inside
// link lifetime; the contact never points back at its link.
type Contact struct {
	ID      string
	Start   time.Time
	Expires time.Time // zero for unscheduled contacts
}

// NewContact creates a contact starting now.
func NewContact() *Contact {
	return &Contact{ID: uuid.New().String(), Start: time.Now()}
}

// Stats counts link activity.
type Stats struct {
	BundlesQueued      uint64
	BytesQueued        uint64
	BundlesTransmitted uint64
	BytesTransmitted   uint64
	BundlesCancelled   uint64
	ContactAttempts    uint64
	Contacts           uint64
}

// Link is one next-hop adjacency served by a convergence layer. At most one
// contact is bound at any moment.
type Link struct {
	Name    string
	Type    Type
	CLName  string
	NextHop string
	Remote  eid.EID

	// Persistent marks the link for the durable store; Reincarnated is set
	// when the link was recreated from it at boot.
	Persistent   bool
	Reincarnated bool

	Params map[string]string

	mu       sync.Mutex
	state    State
	contact  *Contact
	queue    []bundle.Ref
	inflight map[uint64]bundle.Ref
	stats    Stats

	cl ConvergenceLayer
}

// New creates a link in the UNAVAILABLE state.
func New(name string, typ Type, cl ConvergenceLayer, nexthop string, remote eid.EID) *Link {
	return &Link{
		Name:     name,
		Type:     typ,
		CLName:   cl.Name(),
		NextHop:  nexthop,
		Remote:   remote,
		cl:       cl,
		inflight: make(map[uint64]bundle.Ref),
	}
}

// CL returns the link's convergence layer.
func (l *Link) CL() ConvergenceLayer { return l.cl }

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SetState transitions the state machine, validating the transition.
func (l *Link) SetState(s State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !validTransition(l.state, s) {
		return fmt.Errorf("link %s: invalid transition %s -> %s", l.Name, l.state, s)
	}
	l.state = s
	return nil
}

func validTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case Unavailable:
		return to == Available || to == Opening
	case Available:
		return to == Opening || to == Unavailable || to == Open
	case Opening:
		return to == Open || to == Unavailable
	case Open:
		return to == Closed || to == Unavailable
	case Closed:
		return to == Available || to == Unavailable || to == Opening
	}
	return false
}

// Contact returns the bound contact, or nil.
func (l *Link) Contact() *Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contact
}

// BindContact attaches a fresh contact; the link must not have one.
func (l *Link) BindContact(c *Contact) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.contact != nil {
		return fmt.Errorf("link %s: contact already bound", l.Name)
	}
	l.contact = c
	l.stats.Contacts++
	return nil
}

// UnbindContact detaches and returns the bound contact.
func (l *Link) UnbindContact() *Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.contact
	l.contact = nil
	return c
}

// Enqueue appends a bundle to the link's pending queue.
func (l *Link) Enqueue(ref bundle.Ref) {
	l.mu.Lock()
	l.queue = append(l.queue, ref)
	l.stats.BundlesQueued++
	l.stats.BytesQueued += ref.Bundle().PayloadLength
	l.mu.Unlock()
}

// Dequeue pops the next queued bundle.
func (l *Link) Dequeue() (bundle.Ref, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return bundle.Ref{}, false
	}
	ref := l.queue[0]
	l.queue = l.queue[1:]
	return ref, true
}

// DrainQueue removes and returns every queued bundle. Used when an
// opportunistic link drops and the purge policy is enabled.
func (l *Link) DrainQueue() []bundle.Ref {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

// QueueLen returns the number of queued bundles.
func (l *Link) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// MarkInFlight moves a bundle into the in-flight set.
func (l *Link) MarkInFlight(ref bundle.Ref) {
	l.mu.Lock()
	l.inflight[ref.Bundle().ID] = ref
	l.mu.Unlock()
}

// ClearInFlight removes a bundle from the in-flight set, returning its ref.
func (l *Link) ClearInFlight(bundleID uint64) (bundle.Ref, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref, ok := l.inflight[bundleID]
	if ok {
		delete(l.inflight, bundleID)
	}
	return ref, ok
}

// InFlightCount returns the size of the in-flight set.
func (l *Link) InFlightCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// RecordTransmit accumulates transmission stats.
func (l *Link) RecordTransmit(bytes uint64, success bool) {
	l.mu.Lock()
	if success {
		l.stats.BundlesTransmitted++
		l.stats.BytesTransmitted += bytes
	} else {
		l.stats.BundlesCancelled++
	}
	l.mu.Unlock()
}
