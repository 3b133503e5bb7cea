package bundle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelworks/dtnd/pkg/eid"
)

// DTNEpoch is the bundle protocol epoch, 2000-01-01T00:00:00Z.
var DTNEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// DTNTimeNow returns the current time as seconds since the DTN epoch.
func DTNTimeNow() uint64 {
	return uint64(time.Since(DTNEpoch) / time.Second)
}

// Timestamp is a bundle creation timestamp: seconds since the DTN epoch
// plus a sequence number disambiguating bundles created in the same second.
type Timestamp struct {
	Seconds uint64 `json:"secs"`
	SeqNo   uint64 `json:"seq"`
}

// Priority is the bundle class of service.
type Priority int

const (
	PriorityBulk Priority = iota
	PriorityNormal
	PriorityExpedited
)

// Version is the bundle protocol version.
type Version int

const (
	BP6 Version = 6
	BP7 Version = 7
)

// ExtensionBlock is an opaque extension block carried with the bundle.
type ExtensionBlock struct {
	Type  uint8  `json:"type"`
	Flags uint64 `json:"flags"`
	Data  []byte `json:"data"`
}

// CTEB block type (BPv6 Custody Transfer Enhancement Block).
const BlockTypeCTEB uint8 = 0x0a

// CTEB is the decoded custody transfer enhancement block contents.
type CTEB struct {
	Valid     bool   `json:"valid"`
	CustodyID uint64 `json:"custody_id"`
	Custodian string `json:"custodian"`
}

// TimerHandle is the cancellation surface of a scheduled timer. Declared
// here so bundles can carry timer handles without importing the timer
// service.
type TimerHandle interface {
	Cancel() bool
}

// Bundle is the canonical in-memory record for one bundle. There is exactly
// one Bundle value per live bundle; BundleRefs govern its lifetime.
//
// The mutex serializes the custody-timer list, forwarding log, and
// custodian mutation: the durable serializer computes encoded size before
// writing, so variable-length fields must not move underneath it.
type Bundle struct {
	ID      uint64  `json:"id"`
	Version Version `json:"version"`

	Source    eid.EID `json:"source"`
	Dest      eid.EID `json:"dest"`
	ReportTo  eid.EID `json:"report_to"`
	Custodian eid.EID `json:"custodian"`

	Creation Timestamp `json:"creation"`
	Lifetime uint64    `json:"lifetime"` // seconds

	PayloadFile   string `json:"payload_file"`
	PayloadLength uint64 `json:"payload_length"`

	Blocks []ExtensionBlock `json:"blocks"`
	CTEB   CTEB             `json:"cteb"`

	IsFragment       bool     `json:"is_fragment"`
	IsAdmin          bool     `json:"is_admin"`
	CustodyRequested bool     `json:"custody_requested"`
	DeliveryReports  bool     `json:"delivery_reports"`
	ReceptionReports bool     `json:"reception_reports"`
	CustodyReports   bool     `json:"custody_reports"`
	DeletionReports  bool     `json:"deletion_reports"`
	Priority         Priority `json:"priority"`
	ECOSFlags        uint8    `json:"ecos_flags"`
	ECOSOrdinal      uint8    `json:"ecos_ordinal"`
	ECOSStreaming    bool     `json:"ecos_streaming"`

	FragOffset     uint64 `json:"frag_offset"`
	FragLength     uint64 `json:"frag_length"`
	OriginalLength uint64 `json:"orig_length"`

	// LocalCustody is true while this node is the custodian.
	LocalCustody bool `json:"local_custody"`
	// CustodyID is the ACS custody identifier while in local custody.
	CustodyID uint64 `json:"custody_id"`

	QueuedForDatastore bool `json:"queued_for_datastore"`
	InDatastore        bool `json:"in_datastore"`

	mu       sync.Mutex
	refcount atomic.Int32
	fwdlog   []ForwardingEntry

	custodyTimers map[string]TimerHandle // keyed by link name
	expTimer      TimerHandle

	// per-link cache of formatted transmit blocks
	xmitBlocks map[string][]byte
}

// New creates a bundle record with the given addressing. The local ID is
// assigned by the store on insertion.
func New(src, dst eid.EID, creation Timestamp, lifetime uint64) *Bundle {
	return &Bundle{
		Version:   BP6,
		Source:    src,
		Dest:      dst,
		ReportTo:  src,
		Custodian: eid.Null,
		Creation:  creation,
		Lifetime:  lifetime,
	}
}

// GBOF is the global bundle-or-fragment identifier: the 5-tuple that
// uniquely names a bundle or fragment network-wide.
type GBOF struct {
	Source       string
	CreationSecs uint64
	CreationSeq  uint64
	IsFragment   bool
	FragOffset   uint64
	FragLength   uint64
}

// GBOF returns the bundle's global identifier.
func (b *Bundle) GBOF() GBOF {
	return GBOF{
		Source:       b.Source.String(),
		CreationSecs: b.Creation.Seconds,
		CreationSeq:  b.Creation.SeqNo,
		IsFragment:   b.IsFragment,
		FragOffset:   b.FragOffset,
		FragLength:   b.FragLength,
	}
}

func (g GBOF) String() string {
	if g.IsFragment {
		return fmt.Sprintf("%s,%d.%d,frag[%d:%d]",
			g.Source, g.CreationSecs, g.CreationSeq, g.FragOffset, g.FragLength)
	}
	return fmt.Sprintf("%s,%d.%d", g.Source, g.CreationSecs, g.CreationSeq)
}

// ExpirationTime returns the absolute expiration as seconds since the DTN
// epoch.
func (b *Bundle) ExpirationTime() uint64 {
	return b.Creation.Seconds + b.Lifetime
}

// Expired reports whether the bundle's lifetime has elapsed.
func (b *Bundle) Expired() bool {
	return b.ExpirationTime() <= DTNTimeNow()
}

// TimeToExpiration returns the remaining lifetime, or zero if expired.
func (b *Bundle) TimeToExpiration() time.Duration {
	now := DTNTimeNow()
	exp := b.ExpirationTime()
	if exp <= now {
		return 0
	}
	return time.Duration(exp-now) * time.Second
}

// ValidateFragment checks the fragment invariants.
func (b *Bundle) ValidateFragment() error {
	if !b.IsFragment {
		return nil
	}
	if b.FragLength > b.OriginalLength {
		return fmt.Errorf("bundle %d: fragment length %d exceeds original length %d",
			b.ID, b.FragLength, b.OriginalLength)
	}
	if b.FragOffset+b.FragLength > b.OriginalLength {
		return fmt.Errorf("bundle %d: fragment [%d:%d] extends past original length %d",
			b.ID, b.FragOffset, b.FragOffset+b.FragLength, b.OriginalLength)
	}
	return nil
}

// Lock acquires the per-bundle lock.
func (b *Bundle) Lock() { b.mu.Lock() }

// Unlock releases the per-bundle lock.
func (b *Bundle) Unlock() { b.mu.Unlock() }

// SetCustodian overwrites the custodian endpoint under the bundle lock.
func (b *Bundle) SetCustodian(custodian eid.EID) {
	b.mu.Lock()
	b.Custodian = custodian
	b.mu.Unlock()
}

// SetExpirationTimer installs the expiration timer handle, cancelling any
// previous one.
func (b *Bundle) SetExpirationTimer(h TimerHandle) {
	b.mu.Lock()
	if b.expTimer != nil {
		b.expTimer.Cancel()
	}
	b.expTimer = h
	b.mu.Unlock()
}

// CancelExpirationTimer cancels and clears the expiration timer.
func (b *Bundle) CancelExpirationTimer() {
	b.mu.Lock()
	if b.expTimer != nil {
		b.expTimer.Cancel()
		b.expTimer = nil
	}
	b.mu.Unlock()
}

// HasExpirationTimer reports whether an expiration timer is armed.
func (b *Bundle) HasExpirationTimer() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expTimer != nil
}

// AddCustodyTimer records the retransmission timer armed for the given link.
func (b *Bundle) AddCustodyTimer(link string, h TimerHandle) {
	b.mu.Lock()
	if b.custodyTimers == nil {
		b.custodyTimers = make(map[string]TimerHandle)
	}
	if old, ok := b.custodyTimers[link]; ok {
		old.Cancel()
	}
	b.custodyTimers[link] = h
	b.mu.Unlock()
}

// CancelCustodyTimers cancels every outstanding custody timer and clears
// the list.
func (b *Bundle) CancelCustodyTimers() {
	b.mu.Lock()
	for _, h := range b.custodyTimers {
		h.Cancel()
	}
	b.custodyTimers = nil
	b.mu.Unlock()
}

// CustodyTimerCount returns the number of armed custody timers.
func (b *Bundle) CustodyTimerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.custodyTimers)
}

// XmitBlocks returns the cached transmit-block encoding for a link.
func (b *Bundle) XmitBlocks(link string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blocks, ok := b.xmitBlocks[link]
	return blocks, ok
}

// SetXmitBlocks caches the transmit-block encoding for a link.
func (b *Bundle) SetXmitBlocks(link string, blocks []byte) {
	b.mu.Lock()
	if b.xmitBlocks == nil {
		b.xmitBlocks = make(map[string][]byte)
	}
	b.xmitBlocks[link] = blocks
	b.mu.Unlock()
}

// ClearXmitBlocks drops the cached transmit blocks for a link.
func (b *Bundle) ClearXmitBlocks(link string) {
	b.mu.Lock()
	delete(b.xmitBlocks, link)
	b.mu.Unlock()
}

// RefCount returns the current reference count.
func (b *Bundle) RefCount() int {
	return int(b.refcount.Load())
}
