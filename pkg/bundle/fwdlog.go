package bundle

import "time"

// ForwardingState records the disposition of a bundle against one target
// (a link or a registration).
type ForwardingState int

const (
	ForwardingNone ForwardingState = iota
	ForwardingInFlight
	ForwardingTransmitted
	ForwardingTransmitFailed
	ForwardingCustodyTimeout
	ForwardingPendingDelivery
	ForwardingDelivered
	ForwardingSuppressed
)

func (s ForwardingState) String() string {
	switch s {
	case ForwardingInFlight:
		return "IN_FLIGHT"
	case ForwardingTransmitted:
		return "TRANSMITTED"
	case ForwardingTransmitFailed:
		return "TRANSMIT_FAILED"
	case ForwardingCustodyTimeout:
		return "CUSTODY_TIMEOUT"
	case ForwardingPendingDelivery:
		return "PENDING_DELIVERY"
	case ForwardingDelivered:
		return "DELIVERED"
	case ForwardingSuppressed:
		return "SUPPRESSED"
	default:
		return "NONE"
	}
}

// ForwardingAction distinguishes forwards from copies.
type ForwardingAction int

const (
	ActionForward ForwardingAction = iota
	ActionCopy
	ActionDeliver
)

// ForwardingEntry is one append-only record in a bundle's forwarding log.
type ForwardingEntry struct {
	Target    string
	Action    ForwardingAction
	State     ForwardingState
	Timestamp time.Time
}

// LogForwarding appends a forwarding-log entry.
func (b *Bundle) LogForwarding(target string, action ForwardingAction, state ForwardingState) {
	b.mu.Lock()
	b.fwdlog = append(b.fwdlog, ForwardingEntry{
		Target:    target,
		Action:    action,
		State:     state,
		Timestamp: time.Now(),
	})
	b.mu.Unlock()
}

// UpdateForwardingState rewrites the state of the most recent entry for
// target, returning false if no entry exists. Used by the custody timer to
// flip TRANSMITTED to CUSTODY_TIMEOUT so the router re-decides.
func (b *Bundle) UpdateForwardingState(target string, state ForwardingState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.fwdlog) - 1; i >= 0; i-- {
		if b.fwdlog[i].Target == target {
			b.fwdlog[i].State = state
			b.fwdlog[i].Timestamp = time.Now()
			return true
		}
	}
	return false
}

// ForwardingStateFor returns the most recent state recorded for target.
func (b *Bundle) ForwardingStateFor(target string) ForwardingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.fwdlog) - 1; i >= 0; i-- {
		if b.fwdlog[i].Target == target {
			return b.fwdlog[i].State
		}
	}
	return ForwardingNone
}

// ForwardingLog returns a copy of the forwarding log.
func (b *Bundle) ForwardingLog() []ForwardingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ForwardingEntry, len(b.fwdlog))
	copy(out, b.fwdlog)
	return out
}

// Delivered reports whether any forwarding-log entry is DELIVERED.
func (b *Bundle) Delivered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.fwdlog {
		if e.State == ForwardingDelivered {
			return true
		}
	}
	return false
}
