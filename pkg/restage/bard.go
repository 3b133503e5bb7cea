package restage

import (
	"sync"

	"github.com/kestrelworks/dtnd/pkg/eid"
)

// Decision is the BARD's answer for one file at reload time.
type Decision struct {
	Accept bool
	// RewriteDest, when non-null, replaces the bundle's destination.
	RewriteDest eid.EID
	// MinTTL guarantees at least this many seconds of remaining lifetime
	// after reload; zero leaves the lifetime untouched.
	MinTTL uint64
}

// ReloadPolicy decides per-file acceptance on reload.
type ReloadPolicy interface {
	Accept(rec *Record) Decision
}

// BARD is the bundle architectural restaging daemon: it accounts disk
// usage per quota subject, answers reload queries, and owns the
// ONLINE/FULL thresholds.
type BARD struct {
	mu sync.Mutex

	// quota per directory subject, bytes; zero means unlimited
	quotas map[string]uint64
	usage  map[string]uint64

	// minDiskSpace is the volume free space needed to stay ONLINE;
	// minQuotaAvail is the quota headroom needed to leave FULL. Two
	// separate thresholds so a store at the boundary does not flap.
	minDiskSpace  uint64
	minQuotaAvail uint64

	minTTL     uint64
	partOfPool bool
}

// NewBARD creates a BARD with the given reload TTL floor.
func NewBARD(minTTL uint64, partOfPool bool) *BARD {
	return &BARD{
		quotas:     make(map[string]uint64),
		usage:      make(map[string]uint64),
		minTTL:     minTTL,
		partOfPool: partOfPool,
	}
}

// SetThresholds installs the ONLINE/FULL hysteresis thresholds.
func (b *BARD) SetThresholds(minDiskSpace, minQuotaAvail uint64) {
	b.mu.Lock()
	b.minDiskSpace = minDiskSpace
	b.minQuotaAvail = minQuotaAvail
	b.mu.Unlock()
}

// DeclareFull reports whether an ONLINE store must go FULL: the volume
// has dropped under the disk floor, or the quota is exhausted.
func (b *BARD) DeclareFull(quota, used, volAvail uint64, volKnown bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if volKnown && b.minDiskSpace > 0 && volAvail < b.minDiskSpace {
		return true
	}
	return quota > 0 && used >= quota
}

// DeclareOnline reports whether a FULL store may return ONLINE: the
// volume clears the disk floor and the quota has recovered at least the
// min_quota_avail margin.
func (b *BARD) DeclareOnline(quota, used, volAvail uint64, volKnown bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if volKnown && b.minDiskSpace > 0 && volAvail < b.minDiskSpace {
		return false
	}
	if quota == 0 {
		return true
	}
	if used >= quota {
		return false
	}
	return quota-used >= b.minQuotaAvail
}

// SetQuota installs a per-subject byte quota.
func (b *BARD) SetQuota(subject string, bytes uint64) {
	b.mu.Lock()
	b.quotas[subject] = bytes
	b.mu.Unlock()
}

// RecordUsage adjusts a subject's accounted usage by delta bytes.
func (b *BARD) RecordUsage(subject string, delta int64) {
	b.mu.Lock()
	u := int64(b.usage[subject]) + delta
	if u < 0 {
		u = 0
	}
	b.usage[subject] = uint64(u)
	b.mu.Unlock()
}

// Usage returns a subject's accounted bytes.
func (b *BARD) Usage(subject string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage[subject]
}

// OverQuota reports whether a subject would exceed its quota with more
// bytes added.
func (b *BARD) OverQuota(subject string, more uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.quotas[subject]
	if q == 0 {
		return false
	}
	return b.usage[subject]+more > q
}

// Accept implements ReloadPolicy: it accepts every record, extending
// lifetime to the TTL floor; quotas and pool membership are not consulted.
func (b *BARD) Accept(rec *Record) Decision {
	return Decision{Accept: true, MinTTL: b.minTTL}
}
