package reg

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/eid"
)

// Kind is the registration variant tag.
type Kind int

const (
	KindAPI Kind = iota
	KindAdmin
	KindAdminIPN
	KindPing
	KindIPNEcho
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindAPI:
		return "api"
	case KindAdmin:
		return "admin"
	case KindAdminIPN:
		return "admin-ipn"
	case KindPing:
		return "ping"
	case KindIPNEcho:
		return "ipn-echo"
	case KindSession:
		return "session"
	default:
		return "invalid"
	}
}

// FailureAction says what to do with a bundle when the registration is
// passive or its delivery endpoint is gone.
type FailureAction int

const (
	FailureDrop FailureAction = iota
	FailureDefer
	FailureExec
	FailureFile
)

// Session registration flags.
const (
	SessionPublish   uint32 = 1 << 0
	SessionSubscribe uint32 = 1 << 1
	SessionCustody   uint32 = 1 << 2
)

// recentWindow bounds how long a delivery is remembered for duplicate
// suppression.
const recentWindow = 10 * time.Minute

// Registration maps an endpoint pattern to a delivery point.
type Registration struct {
	ID            uint32
	Kind          Kind
	Pattern       eid.Pattern
	FailureAction FailureAction
	Expiration    time.Time // zero = never expires
	SessionFlags  uint32

	mu     sync.Mutex
	active bool
	recent map[bundle.GBOF]time.Time

	// API registrations own a bundle queue with an acknowledgement window.
	queue     []bundle.Ref
	unacked   map[uint64]bundle.Ref
	ackWindow int
}

// New creates a registration of the given kind.
func New(id uint32, kind Kind, pattern eid.Pattern) *Registration {
	return &Registration{
		ID:        id,
		Kind:      kind,
		Pattern:   pattern,
		recent:    make(map[bundle.GBOF]time.Time),
		unacked:   make(map[uint64]bundle.Ref),
		ackWindow: 8,
	}
}

// Active reports whether a consumer is attached.
func (r *Registration) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActive flips the attachment state.
func (r *Registration) SetActive(active bool) {
	r.mu.Lock()
	r.active = active
	r.mu.Unlock()
}

// Expired reports whether the registration's expiration has passed.
func (r *Registration) Expired() bool {
	return !r.Expiration.IsZero() && time.Now().After(r.Expiration)
}

// WantsDelivery reports whether bundles may be delivered to this
// registration. Publish-only session registrations never receive.
func (r *Registration) WantsDelivery() bool {
	if r.Kind != KindSession {
		return true
	}
	return r.SessionFlags&SessionSubscribe != 0
}

// DeliveredRecently consults the recent-delivery set; delivery to a
// registration is at most once per bundle.
func (r *Registration) DeliveredRecently(key bundle.GBOF) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.recent[key]
	if !ok {
		return false
	}
	if time.Since(seen) > recentWindow {
		delete(r.recent, key)
		return false
	}
	return true
}

// RecordDelivery marks a bundle delivered, trimming stale entries.
func (r *Registration) RecordDelivery(key bundle.GBOF) {
	r.mu.Lock()
	now := time.Now()
	r.recent[key] = now
	for k, ts := range r.recent {
		if now.Sub(ts) > recentWindow {
			delete(r.recent, k)
		}
	}
	r.mu.Unlock()
}

// EnqueueForAPI appends a bundle to the registration's API queue. Returns
// false when the acknowledgement window is full.
func (r *Registration) EnqueueForAPI(ref bundle.Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.unacked) >= r.ackWindow {
		return false
	}
	r.queue = append(r.queue, ref)
	return true
}

// PopForAPI hands the next queued bundle to the consumer, moving it into
// the unacked set.
func (r *Registration) PopForAPI() (bundle.Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return bundle.Ref{}, false
	}
	ref := r.queue[0]
	r.queue = r.queue[1:]
	r.unacked[ref.Bundle().ID] = ref
	return ref, true
}

// Ack acknowledges a delivered bundle, releasing the queue's reference.
func (r *Registration) Ack(bundleID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.unacked[bundleID]
	if !ok {
		return false
	}
	delete(r.unacked, bundleID)
	ref.Release()
	return true
}

// QueueDepth returns (queued, unacked) counts.
func (r *Registration) QueueDepth() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue), len(r.unacked)
}

// Record is the persisted form of a registration.
type Record struct {
	ID            uint32 `json:"id"`
	Kind          int    `json:"kind"`
	Pattern       string `json:"pattern"`
	FailureAction int    `json:"failure_action"`
	Expiration    int64  `json:"expiration,omitempty"` // unix seconds, 0 = never
	SessionFlags  uint32 `json:"session_flags,omitempty"`
}

// EncodeRecord renders the persisted form.
func EncodeRecord(r *Registration) ([]byte, error) {
	rec := Record{
		ID:            r.ID,
		Kind:          int(r.Kind),
		Pattern:       r.Pattern.String(),
		FailureAction: int(r.FailureAction),
		SessionFlags:  r.SessionFlags,
	}
	if !r.Expiration.IsZero() {
		rec.Expiration = r.Expiration.Unix()
	}
	return json.Marshal(rec)
}

// DecodeRecord rebuilds a registration from its persisted form.
func DecodeRecord(data []byte) (*Registration, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("reg: decode record: %w", err)
	}
	pattern, err := eid.ParsePattern(rec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("reg: decode record: %w", err)
	}
	r := New(rec.ID, Kind(rec.Kind), pattern)
	r.FailureAction = FailureAction(rec.FailureAction)
	r.SessionFlags = rec.SessionFlags
	if rec.Expiration != 0 {
		r.Expiration = time.Unix(rec.Expiration, 0)
	}
	return r, nil
}
