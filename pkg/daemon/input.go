package daemon

import (
	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/metrics"
	"github.com/kestrelworks/dtnd/pkg/storage"
)

// inputWorker validates, deduplicates, and persists arriving bundles, then
// hands them to the Main worker.
type inputWorker struct {
	d      *Daemon
	logger zerolog.Logger
}

func newInputWorker(d *Daemon) *inputWorker {
	return &inputWorker{d: d, logger: log.WithComponent("input")}
}

func (w *inputWorker) run() {
	q := w.d.Dispatcher.Queue(events.ProcInput)
	for {
		ev, complete, ok := q.Pop(w.d.stopCh)
		if !ok {
			return
		}
		w.handle(ev)
		complete()
	}
}

func (w *inputWorker) handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.BundleReceived:
		w.bundleReceived(e)
	default:
		panic("input: unhandled event")
	}
}

func (w *inputWorker) bundleReceived(e *events.BundleReceived) {
	d := w.d
	b := e.Ref.Bundle()
	d.Stats.Received.Add(1)
	metrics.BundlesReceived.Inc()

	if err := b.ValidateFragment(); err != nil {
		w.logger.Error().Err(err).Msg("rejecting malformed fragment")
		w.reject(e.Ref)
		return
	}
	if b.Expired() {
		w.logger.Debug().Uint64("bundle_id", b.ID).Msg("rejecting expired arrival")
		w.reject(e.Ref)
		return
	}

	// Duplicate detection by GBOF fingerprint.
	if dupe, ok := d.Bundles.FindByGBOF(b.GBOF()); ok && dupe.Bundle().ID != b.ID {
		d.Stats.Duplicate.Add(1)
		metrics.DuplicateBundles.Inc()
		if d.Cfg.SuppressDuplicates {
			// The dupe counts as delivered for the forwarding log, then
			// goes away.
			b.LogForwarding("dupefinder", bundle.ActionDeliver, bundle.ForwardingSuppressed)
			w.logger.Debug().
				Uint64("bundle_id", b.ID).
				Str("gbof", b.GBOF().String()).
				Msg("suppressing duplicate")
			dupe.Release()
			d.Stats.Deleted.Add(1)
			metrics.BundlesDeleted.Inc()
			w.discard(e.Ref)
			return
		}
		ref := e.Ref
		w.persistAndForward(&ref, e, dupe)
		return
	}

	ref := e.Ref
	w.persistAndForward(&ref, e, bundle.Ref{})
}

func (w *inputWorker) persistAndForward(ref *bundle.Ref, e *events.BundleReceived, dupe bundle.Ref) {
	d := w.d
	b := ref.Bundle()

	d.Bundles.AddPending(b)
	d.scheduleExpiration(*ref)

	data, err := encodeBundleRecord(b)
	if err != nil {
		w.logger.Error().Err(err).Msg("bundle record encode failed")
		w.reject(*ref)
		return
	}
	b.QueuedForDatastore = true
	d.Dispatcher.Post(&events.StorePut{
		Table: storage.TableBundles,
		Key:   bundleKey(b.ID),
		Value: data,
	})

	if e.Link != "" {
		b.LogForwarding(e.Link, bundle.ActionForward, bundle.ForwardingNone)
	}

	d.Dispatcher.Post(&events.BundleReceived{
		To:        events.ProcMain,
		Ref:       *ref,
		Link:      e.Link,
		Source:    e.Source,
		BytesRecv: e.BytesRecv,
		PrevHop:   e.PrevHop,
		Duplicate: dupe,
	})
}

// reject drops an arrival before it entered the pending index.
func (w *inputWorker) reject(ref bundle.Ref) {
	w.d.Stats.Rejected.Add(1)
	metrics.RejectedBundles.Inc()
	w.discard(ref)
}

// discard releases an arrival that never became pending.
func (w *inputWorker) discard(ref bundle.Ref) {
	b := ref.Bundle()
	ref.Release()
	w.d.reapIfUnreferenced(b)
}
