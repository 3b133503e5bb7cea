package daemon

import (
	"time"

	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/metrics"
	"github.com/kestrelworks/dtnd/pkg/storage"
)

// Custody retransmission timer policy.
const (
	custodyRetryBase     = 30 * time.Second
	custodyRetryMaxTries = 10
)

// acceptCustody takes local custody of a bundle: acknowledge the previous
// custodian (via ACS when it speaks ACS, a custody signal otherwise),
// overwrite the custodian, update the CTEB, index and persist the bundle,
// and tell the router.
func (w *mainWorker) acceptCustody(ref bundle.Ref) {
	d := w.d
	b := ref.Bundle()
	if b.LocalCustody {
		return
	}

	prev := b.Custodian
	prevCustodyID := b.CTEB.CustodyID
	useACS := d.ACS.Enabled(prev) && b.CTEB.Valid

	custodyID := d.ACS.Allocator().Next()
	d.Bundles.AddCustody(b)
	d.mapCustodyID(custodyID, b.ID)

	b.Lock()
	b.Custodian = d.LocalEID
	b.CustodyID = custodyID
	b.CTEB = bundle.CTEB{Valid: true, CustodyID: custodyID, Custodian: d.LocalEID.String()}
	data, err := marshalBundle(b)
	b.Unlock()
	if err != nil {
		w.logger.Error().Err(err).Msg("custody accept: record encode failed")
		return
	}

	metrics.CustodyAccepted.Inc()
	metrics.CustodyBundles.Inc()

	d.Dispatcher.Post(&events.StorePut{
		Table: storage.TableBundles,
		Key:   bundleKey(b.ID),
		Value: data,
	})

	if !prev.IsNull() {
		if useACS {
			d.Dispatcher.Post(&events.AcsAcceptCustody{
				Ref:       d.takeRef(ref),
				Custodian: prev,
				CustodyID: prevCustodyID,
				Succeeded: true,
				Reason:    admin.ReasonNoAddtlInfo,
			})
		} else {
			w.sendCustodySignal(b, prev, true, admin.ReasonNoAddtlInfo)
		}
	}

	if b.CustodyReports {
		w.sendStatusReport(b, admin.StatusCustody, admin.ReasonNoAddtlInfo)
	}

	d.Router.HandleEvent(&events.BundleCustodyAccepted{Ref: ref})
}

// releaseCustody cancels the custody timers, clears the custodian, and
// removes the bundle from the custody index.
func (w *mainWorker) releaseCustody(ref bundle.Ref) {
	d := w.d
	b := ref.Bundle()
	if !b.LocalCustody {
		return
	}

	b.CancelCustodyTimers()
	d.unmapCustodyID(b.CustodyID)

	b.Lock()
	b.Custodian = eid.Null
	b.CustodyID = 0
	data, err := marshalBundle(b)
	b.Unlock()

	d.Bundles.RemoveCustody(b)
	metrics.CustodyReleased.Inc()
	metrics.CustodyBundles.Dec()

	if err != nil {
		w.logger.Error().Err(err).Msg("custody release: record encode failed")
		return
	}
	d.Dispatcher.Post(&events.StorePut{
		Table: storage.TableBundles,
		Key:   bundleKey(b.ID),
		Value: data,
	})
}

// armCustodyTimer schedules the per-(bundle, link) retransmission timer.
// The timer carries only identifiers and resolves the bundle on fire.
func (w *mainWorker) armCustodyTimer(b *bundle.Bundle, linkName string, attempt int) {
	if attempt >= custodyRetryMaxTries {
		w.logger.Warn().
			Uint64("bundle_id", b.ID).
			Str("link", linkName).
			Msg("custody retries exhausted")
		return
	}
	d := w.d
	id := b.ID
	delay := custodyRetryBase * time.Duration(1<<uint(attempt))
	t := d.Timers.Schedule(time.Now().Add(delay), func() {
		d.Dispatcher.Post(&events.CustodyTimeout{BundleID: id, Link: linkName})
	})
	b.AddCustodyTimer(linkName, t)
	w.custodyAttempts[custodyAttemptKey{id, linkName}] = attempt + 1
}

type custodyAttemptKey struct {
	bundleID uint64
	link     string
}

// handleCustodyTimeout rewrites the forwarding log so the router
// re-decides the bundle.
func (w *mainWorker) handleCustodyTimeout(e *events.CustodyTimeout) {
	d := w.d
	ref, ok := d.Bundles.Get(e.BundleID)
	if !ok {
		return
	}
	defer ref.Release()
	b := ref.Bundle()
	if !b.LocalCustody {
		return
	}

	metrics.CustodyTimeouts.Inc()
	b.UpdateForwardingState(e.Link, bundle.ForwardingCustodyTimeout)
	w.logger.Debug().
		Uint64("bundle_id", b.ID).
		Str("link", e.Link).
		Msg("custody timeout, router re-decides")

	attempt := w.custodyAttempts[custodyAttemptKey{e.BundleID, e.Link}]
	w.armCustodyTimer(b, e.Link, attempt)
	d.Router.HandleEvent(e)
}

// handleCustodySignal matches an inbound custody signal against the
// custody index. Success, or the paradoxical failed-plus-redundant pair,
// releases local custody and makes the bundle a deletion candidate.
func (w *mainWorker) handleCustodySignal(e *events.CustodySignalReceived) {
	d := w.d
	cs := e.Signal
	key := bundle.GBOF{
		Source:       cs.Source.String(),
		CreationSecs: cs.CreationSecs,
		CreationSeq:  cs.CreationSeq,
		IsFragment:   cs.IsForFragment,
		FragOffset:   cs.FragOffset,
		FragLength:   cs.FragLength,
	}
	ref, ok := d.Bundles.FindCustodyByGBOF(key)
	if !ok {
		w.logger.Debug().Str("gbof", key.String()).Msg("custody signal for unknown bundle")
		return
	}
	defer ref.Release()

	if cs.Succeeded || cs.RedundantReception() {
		w.releaseCustody(ref)
		w.tryDeleteBundle(ref, admin.ReasonNoAddtlInfo)
		return
	}

	w.logger.Warn().
		Str("gbof", key.String()).
		Str("reason", cs.Reason.String()).
		Msg("custody refused by peer")
	d.Router.HandleEvent(e)
}

// handleAggregateCustodySignal releases custody for every custody ID the
// aggregate acknowledges.
func (w *mainWorker) handleAggregateCustodySignal(e *events.AggregateCustodySignalReceived) {
	d := w.d
	sig := e.Signal
	release := sig.Succeeded || (!sig.Succeeded && sig.Reason == admin.ReasonRedundantReception)
	for _, custodyID := range sig.CustodyIDs() {
		bundleID, ok := d.lookupCustodyID(custodyID)
		if !ok {
			w.logger.Debug().Uint64("custody_id", custodyID).Msg("acs for unknown custody id")
			continue
		}
		ref, ok := d.Bundles.Get(bundleID)
		if !ok {
			continue
		}
		if release {
			w.releaseCustody(ref)
			w.tryDeleteBundle(ref, admin.ReasonNoAddtlInfo)
		}
		ref.Release()
	}
}

// sendCustodySignal emits a custody signal admin bundle to the given
// custodian.
func (w *mainWorker) sendCustodySignal(b *bundle.Bundle, to eid.EID, succeeded bool, reason admin.ReasonCode) {
	d := w.d
	now := d.NextCreationTimestamp()
	cs := &admin.CustodySignal{
		Succeeded:     succeeded,
		Reason:        reason,
		IsForFragment: b.IsFragment,
		FragOffset:    b.FragOffset,
		FragLength:    b.FragLength,
		SignalSecs:    now.Seconds,
		SignalSeq:     now.SeqNo,
		CreationSecs:  b.Creation.Seconds,
		CreationSeq:   b.Creation.SeqNo,
		Source:        b.Source,
	}
	if err := d.InjectBundle(d.LocalEID, to, 86400, cs.Encode(), true); err != nil {
		w.logger.Error().Err(err).Msg("custody signal injection failed")
	}
}

// sendStatusReport emits a status report admin bundle to the bundle's
// report-to endpoint.
func (w *mainWorker) sendStatusReport(b *bundle.Bundle, flags uint8, reason admin.ReasonCode) {
	d := w.d
	to := b.ReportTo
	if to.IsNull() {
		to = b.Source
	}
	if to.IsNull() || to.Equal(d.LocalEID) {
		return
	}
	now := d.NextCreationTimestamp()
	sr := &admin.StatusReport{
		Flags:         flags,
		Reason:        reason,
		IsForFragment: b.IsFragment,
		FragOffset:    b.FragOffset,
		FragLength:    b.FragLength,
		StatusSecs:    now.Seconds,
		StatusSeq:     now.SeqNo,
		CreationSecs:  b.Creation.Seconds,
		CreationSeq:   b.Creation.SeqNo,
		Source:        b.Source,
	}
	if err := d.InjectBundle(d.LocalEID, to, 86400, sr.Encode(), true); err != nil {
		w.logger.Error().Err(err).Msg("status report injection failed")
	}
}
