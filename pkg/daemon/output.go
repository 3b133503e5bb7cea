package daemon

import (
	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/link"
	"github.com/kestrelworks/dtnd/pkg/log"
)

// outputWorker picks queued bundles per link and drives the convergence
// layer. Transmission outcomes come back to Main as BundleTransmitted
// events posted by the CL.
type outputWorker struct {
	d      *Daemon
	logger zerolog.Logger
}

func newOutputWorker(d *Daemon) *outputWorker {
	return &outputWorker{d: d, logger: log.WithComponent("output")}
}

func (w *outputWorker) run() {
	q := w.d.Dispatcher.Queue(events.ProcOutput)
	for {
		ev, complete, ok := q.Pop(w.d.stopCh)
		if !ok {
			return
		}
		w.handle(ev)
		complete()
	}
}

func (w *outputWorker) handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.BundleSendRequest:
		w.sendBundle(e)
	case *events.BundleCancelRequest:
		w.cancelSend(e)
	default:
		panic("output: unhandled event")
	}
}

func (w *outputWorker) sendBundle(e *events.BundleSendRequest) {
	d := w.d
	ref := e.Ref
	b := ref.Bundle()

	l, ok := d.Links.Find(e.Link)
	if !ok {
		w.logger.Warn().Str("link", e.Link).Msg("send request for unknown link")
		ref.Release()
		return
	}
	switch l.State() {
	case link.Open, link.Available, link.Opening:
	default:
		w.logger.Debug().
			Str("link", l.Name).
			Str("state", l.State().String()).
			Uint64("bundle_id", b.ID).
			Msg("send request while link down")
		b.UpdateForwardingState(l.Name, bundle.ForwardingTransmitFailed)
		ref.Release()
		return
	}

	b.LogForwarding(l.Name, e.Action, bundle.ForwardingInFlight)
	l.Enqueue(ref)
	l.MarkInFlight(d.takeRef(ref))
	l.CL().BundleQueued(l, ref)
}

func (w *outputWorker) cancelSend(e *events.BundleCancelRequest) {
	d := w.d
	ref := e.Ref
	b := ref.Bundle()
	defer ref.Release()

	l, ok := d.Links.Find(e.Link)
	if !ok {
		return
	}
	if inflight, ok := l.ClearInFlight(b.ID); ok {
		inflight.Release()
		b.UpdateForwardingState(l.Name, bundle.ForwardingTransmitFailed)
		w.logger.Debug().Uint64("bundle_id", b.ID).Str("link", l.Name).Msg("send cancelled")
	}
}
