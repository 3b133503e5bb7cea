package daemon

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/link"
	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/metrics"
	"github.com/kestrelworks/dtnd/pkg/reg"
	"github.com/kestrelworks/dtnd/pkg/storage"
)

// mainWorker owns the canonical bundle lifecycle: admission, custody,
// delivery, expiration, link state, and shutdown.
type mainWorker struct {
	d      *Daemon
	logger zerolog.Logger

	custodyAttempts map[custodyAttemptKey]int
	shuttingDown    bool
}

func newMainWorker(d *Daemon) *mainWorker {
	return &mainWorker{
		d:               d,
		logger:          log.WithComponent("main"),
		custodyAttempts: make(map[custodyAttemptKey]int),
	}
}

func (w *mainWorker) run() {
	q := w.d.Dispatcher.Queue(events.ProcMain)
	for {
		ev, complete, ok := q.Pop(w.d.stopCh)
		if !ok {
			return
		}
		w.handle(ev)
		complete()
		metrics.EventQueueDepth.WithLabelValues("main").Set(float64(q.Len()))
		if _, isShutdown := ev.(*events.ShutdownRequest); isShutdown {
			return
		}
	}
}

func (w *mainWorker) handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.BundleReceived:
		w.bundleReceived(e)
	case *events.BundleTransmitted:
		w.bundleTransmitted(e)
	case *events.DeliverBundleToReg:
		w.deliverToReg(e)
	case *events.BundleDelivered:
		w.bundleDelivered(e)
	case *events.BundleExpired:
		w.bundleExpired(e)
	case *events.BundleDeleteRequest:
		w.tryDeleteBundle(e.Ref, e.Reason)
		e.Ref.Release()
	case *events.CustodySignalReceived:
		w.handleCustodySignal(e)
	case *events.CustodyTimeout:
		w.handleCustodyTimeout(e)
	case *events.AggregateCustodySignalReceived:
		w.handleAggregateCustodySignal(e)
	case *events.BundleCustodyAccepted:
		w.d.Router.HandleEvent(e)
		e.Ref.Release()
	case *events.ContactUp:
		w.contactUp(e)
	case *events.ContactDown:
		w.contactDown(e)
	case *events.LinkStateChangeRequest:
		w.linkStateChange(e)
	case *events.RegistrationAdded:
		w.registrationAdded(e)
	case *events.RegistrationExpired:
		w.registrationExpired(e)
	case *events.ShutdownRequest:
		w.shutdown()
	default:
		panic("main: unhandled event")
	}
}

// bundleReceived applies admission, custody, and routing decisions to a
// validated arrival.
func (w *mainWorker) bundleReceived(e *events.BundleReceived) {
	d := w.d
	ref := e.Ref
	b := ref.Bundle()

	if e.Duplicate.Valid() {
		e.Duplicate.Release()
	}

	// Reception status report, when the bundle asks for one.
	if b.ReceptionReports && e.Source == "cl" {
		w.sendStatusReport(b, admin.StatusReceived, admin.ReasonNoAddtlInfo)
	}

	// Custody admission.
	if b.CustodyRequested && !b.LocalCustody && d.Cfg.AcceptCustody {
		w.acceptCustody(ref)
	}

	delivered := w.checkLocalDelivery(ref)

	// The router decides forwarding for everything else.
	if !delivered || !b.Dest.IsSingleton() {
		d.Router.HandleEvent(e)
	}
	ref.Release()
}

// checkLocalDelivery marks PENDING_DELIVERY for every matching
// registration in one transaction with the durable store and posts one
// delivery event per registration.
func (w *mainWorker) checkLocalDelivery(ref bundle.Ref) bool {
	d := w.d
	b := ref.Bundle()
	matches := d.RegTab.LookupByEID(b.Dest)
	if len(matches) == 0 {
		return false
	}

	any := false
	for _, r := range matches {
		if !r.WantsDelivery() {
			continue
		}
		b.LogForwarding(regTarget(r.ID), bundle.ActionDeliver, bundle.ForwardingPendingDelivery)
		any = true
	}
	if !any {
		return false
	}

	data, err := encodeBundleRecord(b)
	if err == nil {
		d.Dispatcher.Post(&events.StorePut{
			Table: storage.TableBundles,
			Key:   bundleKey(b.ID),
			Value: data,
		})
	}

	for _, r := range matches {
		if !r.WantsDelivery() {
			continue
		}
		d.Dispatcher.Post(&events.DeliverBundleToReg{
			Ref:   d.takeRef(ref),
			RegID: r.ID,
		})
	}
	return true
}

func regTarget(id uint32) string {
	return "reg:" + bundleKey(uint64(id))
}

// deliverToReg performs the at-most-once delivery to one registration.
func (w *mainWorker) deliverToReg(e *events.DeliverBundleToReg) {
	d := w.d
	ref := e.Ref
	b := ref.Bundle()
	defer ref.Release()

	r, ok := d.RegTab.Get(e.RegID)
	if !ok {
		return
	}

	if r.DeliveredRecently(b.GBOF()) {
		d.Stats.SuppressedDelivery.Add(1)
		b.UpdateForwardingState(regTarget(r.ID), bundle.ForwardingSuppressed)
		w.tryDeleteBundle(ref, admin.ReasonNoAddtlInfo)
		return
	}

	switch r.Kind {
	case reg.KindAdmin, reg.KindAdminIPN:
		payload, err := d.Payloads.Read(b.PayloadFile)
		if err != nil {
			w.logger.Error().Err(err).Uint64("bundle_id", b.ID).Msg("admin payload read failed")
			return
		}
		ar := w.adminRegFor(r.Kind)
		if err := ar.DeliverBundle(b, payload); err != nil {
			if !b.IsAdmin {
				// A non-admin bundle that matched the admin pattern and is
				// not for the echo service is left to the other registrations.
				return
			}
			w.logger.Error().Err(err).Uint64("bundle_id", b.ID).Msg("admin dispatch failed")
			w.tryDeleteBundle(ref, admin.ReasonBlockUnintell)
			return
		}
	default:
		if !r.EnqueueForAPI(d.takeRef(ref)) {
			w.logger.Debug().
				Uint32("regid", r.ID).
				Uint64("bundle_id", b.ID).
				Msg("registration window full, delivery deferred")
			return
		}
	}

	r.RecordDelivery(b.GBOF())
	d.Dispatcher.Post(&events.BundleDelivered{Ref: d.takeRef(ref), RegID: r.ID})
}

func (w *mainWorker) adminRegFor(kind reg.Kind) *reg.AdminRegistration {
	if kind == reg.KindAdminIPN {
		return w.d.adminRegIPN
	}
	return w.d.adminReg
}

// bundleDelivered is the single place the DELIVERED forwarding state is
// written.
func (w *mainWorker) bundleDelivered(e *events.BundleDelivered) {
	d := w.d
	ref := e.Ref
	b := ref.Bundle()
	defer ref.Release()

	d.Stats.Delivered.Add(1)
	metrics.BundlesDelivered.Inc()
	b.UpdateForwardingState(regTarget(e.RegID), bundle.ForwardingDelivered)

	if b.DeliveryReports {
		w.sendStatusReport(b, admin.StatusDelivered, admin.ReasonNoAddtlInfo)
	}
	if b.LocalCustody {
		// Delivery discharges custody; the previous custodian was already
		// acknowledged at acceptance.
		w.releaseCustody(ref)
	}

	// API deliveries keep the bundle pending until the consumer acks it;
	// admin bundles are consumed synchronously and can go now.
	if r, ok := d.RegTab.Get(e.RegID); ok {
		if r.Kind == reg.KindAdmin || r.Kind == reg.KindAdminIPN {
			w.tryDeleteBundle(ref, admin.ReasonNoAddtlInfo)
		}
	}
}

// bundleTransmitted applies a convergence-layer outcome.
func (w *mainWorker) bundleTransmitted(e *events.BundleTransmitted) {
	d := w.d
	ref := e.Ref
	b := ref.Bundle()
	defer ref.Release()

	l, _ := d.Links.Find(e.Link)
	if l != nil {
		if inflight, ok := l.ClearInFlight(b.ID); ok {
			inflight.Release()
		}
		l.RecordTransmit(e.BytesSent, e.Success)
	}

	if !e.Success {
		b.UpdateForwardingState(e.Link, bundle.ForwardingTransmitFailed)
		if d.Cfg.RetryReliableUnacked && e.Reliably {
			d.Dispatcher.Post(&events.BundleSendRequest{
				Ref:    d.takeRef(ref),
				Link:   e.Link,
				Action: bundle.ActionForward,
			})
			return
		}
		d.Router.HandleEvent(e)
		return
	}

	d.Stats.Transmitted.Add(1)
	metrics.BundlesTransmitted.Inc()
	b.UpdateForwardingState(e.Link, bundle.ForwardingTransmitted)
	b.ClearXmitBlocks(e.Link)

	if b.LocalCustody {
		if !e.Reliably {
			w.armCustodyTimer(b, e.Link, 0)
		}
		// custody is released by the peer's custody signal
		d.Router.HandleEvent(e)
		return
	}

	w.tryDeleteBundle(ref, admin.ReasonNoAddtlInfo)
	d.Router.HandleEvent(e)
}

// bundleExpired removes an expired bundle.
func (w *mainWorker) bundleExpired(e *events.BundleExpired) {
	d := w.d
	ref := e.Ref
	b := ref.Bundle()
	defer ref.Release()

	if !d.Bundles.IsPending(b) && !b.LocalCustody {
		return
	}
	d.Stats.Expired.Add(1)
	metrics.BundlesExpired.Inc()

	if b.DeletionReports {
		w.sendStatusReport(b, admin.StatusDeleted, admin.ReasonLifetimeExpired)
	}
	if b.LocalCustody {
		w.releaseCustody(ref)
	}
	// the bundle is counted expired, not deleted
	w.deleteBundle(ref, false)
}

// tryDeleteBundle deletes the bundle when policy allows: pending
// membership removed or removable, the router agrees, and early deletion
// is enabled.
func (w *mainWorker) tryDeleteBundle(ref bundle.Ref, reason admin.ReasonCode) {
	d := w.d
	b := ref.Bundle()

	if !d.Cfg.EarlyDeletion {
		return
	}
	if b.LocalCustody {
		return
	}
	if !d.Router.CanDelete(b) {
		return
	}
	if b.DeletionReports && !b.Delivered() {
		w.sendStatusReport(b, admin.StatusDeleted, reason)
	}
	w.deleteBundle(ref, !b.Delivered())
}

// deleteBundle removes a bundle from every index, the durable store, and
// the payload spool. countDeleted selects whether the bundle's terminal
// disposition is "deleted" — delivered and expired bundles are already
// counted in their own categories.
func (w *mainWorker) deleteBundle(ref bundle.Ref, countDeleted bool) {
	d := w.d
	b := ref.Bundle()

	if !d.Bundles.Contains(b.ID) {
		return
	}

	b.CancelExpirationTimer()
	b.CancelCustodyTimers()
	d.Bundles.RemovePending(b)
	if b.LocalCustody {
		d.Bundles.RemoveCustody(b)
	}

	if b.InDatastore || b.QueuedForDatastore {
		d.Dispatcher.Post(&events.StoreDelete{
			Table: storage.TableBundles,
			Key:   bundleKey(b.ID),
		})
	}
	if b.PayloadFile != "" {
		if err := d.Payloads.Remove(b.PayloadFile); err != nil {
			w.logger.Error().Err(err).Msg("payload remove failed")
		}
	}

	d.Bundles.Erase(b)
	if countDeleted {
		d.Stats.Deleted.Add(1)
		metrics.BundlesDeleted.Inc()
	}

	_, pending, _, _ := d.Bundles.Counts()
	metrics.PendingBundles.Set(float64(pending))
}

// contactUp drives the link OPEN and kicks queued traffic.
func (w *mainWorker) contactUp(e *events.ContactUp) {
	d := w.d
	l, ok := d.Links.Find(e.Link)
	if !ok {
		return
	}
	if l.Contact() == nil {
		c := link.NewContact()
		if err := l.BindContact(c); err != nil {
			w.logger.Error().Err(err).Str("link", l.Name).Msg("contact bind failed")
			return
		}
	}
	if err := l.SetState(link.Open); err != nil {
		w.logger.Error().Err(err).Str("link", l.Name).Msg("contact up in bad state")
		return
	}
	w.logger.Info().Str("link", l.Name).Msg("contact up")
	d.Router.HandleEvent(e)
}

// contactDown tears the contact off the link; opportunistic links may
// purge their queue.
func (w *mainWorker) contactDown(e *events.ContactDown) {
	d := w.d
	l, ok := d.Links.Find(e.Link)
	if !ok {
		return
	}
	l.UnbindContact()
	if err := l.SetState(link.Unavailable); err != nil {
		w.logger.Error().Err(err).Str("link", l.Name).Msg("contact down in bad state")
	}

	if l.Type == link.Opportunistic && d.Cfg.ClearBundlesWhenOppLinkUnavailable {
		for _, ref := range l.DrainQueue() {
			r := ref
			r.Release()
		}
		w.logger.Info().Str("link", l.Name).Msg("opportunistic link queue cleared")
	}
	w.logger.Info().Str("link", l.Name).Str("reason", e.Reason).Msg("contact down")
	d.Router.HandleEvent(e)
}

// linkStateChange serializes link state transitions through Main.
func (w *mainWorker) linkStateChange(e *events.LinkStateChangeRequest) {
	d := w.d
	l, ok := d.Links.Find(e.Link)
	if !ok {
		return
	}
	if err := l.SetState(link.State(e.State)); err != nil {
		w.logger.Error().Err(err).Str("link", l.Name).Msg("link state change rejected")
		return
	}
	w.logger.Info().
		Str("link", l.Name).
		Str("state", link.State(e.State).String()).
		Str("reason", e.Reason).
		Msg("link state changed")
	d.Router.HandleEvent(e)
}

// registrationAdded re-checks pending bundles against the new
// registration.
func (w *mainWorker) registrationAdded(e *events.RegistrationAdded) {
	d := w.d
	r, ok := d.RegTab.Get(e.RegID)
	if !ok {
		return
	}
	for _, ref := range d.Bundles.PendingBundles() {
		pending := ref
		if r.Pattern.Matches(pending.Bundle().Dest) {
			w.checkLocalDelivery(pending)
		}
		pending.Release()
	}
	d.Router.HandleEvent(e)
}

// registrationExpired removes a lapsed registration.
func (w *mainWorker) registrationExpired(e *events.RegistrationExpired) {
	d := w.d
	if _, ok := d.RegTab.Del(e.RegID); !ok {
		return
	}
	d.Dispatcher.Post(&events.StoreDelete{
		Table: storage.TableRegistrations,
		Key:   bundleKey(uint64(e.RegID)),
	})
	w.logger.Info().Uint32("regid", e.RegID).Msg("registration expired")
}

// shutdown is phase one of the cooperative two-phase protocol.
func (w *mainWorker) shutdown() {
	d := w.d
	if w.shuttingDown {
		return
	}
	w.shuttingDown = true
	w.logger.Info().Msg("shutdown requested")

	d.Timers.Pause()

	for _, l := range d.Links.All() {
		if l.State() == link.Open {
			if c := l.UnbindContact(); c != nil {
				if err := l.CL().CloseContact(c, l); err != nil {
					w.logger.Error().Err(err).Str("link", l.Name).Msg("close contact failed")
				}
			}
			if err := l.SetState(link.Closed); err != nil {
				w.logger.Error().Err(err).Str("link", l.Name).Msg("close transition failed")
			}
		}
	}
	for _, cl := range d.CLs.All() {
		cl.Shutdown()
	}

	// Bounded drain of remaining admin traffic.
	deadline := time.Now().Add(shutdownGrace)
	q := d.Dispatcher.Queue(events.ProcMain)
	for time.Now().Before(deadline) {
		ev, complete, ok := q.TryPop()
		if !ok {
			break
		}
		if _, isShutdown := ev.(*events.ShutdownRequest); !isShutdown {
			w.handle(ev)
		}
		complete()
	}

	// Flush durable state, then stop every worker.
	d.Dispatcher.PostAndWait(&events.StoreFlush{}, shutdownGrace)
	d.stop()
	w.logger.Info().Msg("bundle daemon stopped")
}
