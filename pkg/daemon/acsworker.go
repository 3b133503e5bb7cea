package daemon

import (
	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/metrics"
	"github.com/kestrelworks/dtnd/pkg/storage"
	"github.com/kestrelworks/dtnd/pkg/timer"
)

// acsWorker owns the pending aggregate-signal map: it records custody
// acceptances, persists every delta, and flushes signals on size or time
// thresholds.
type acsWorker struct {
	d      *Daemon
	logger zerolog.Logger
	timers map[string]*timer.Timer
}

func newAcsWorker(d *Daemon) *acsWorker {
	return &acsWorker{
		d:      d,
		logger: log.WithComponent("acs"),
		timers: make(map[string]*timer.Timer),
	}
}

func (w *acsWorker) run() {
	q := w.d.Dispatcher.Queue(events.ProcACS)
	for {
		ev, complete, ok := q.Pop(w.d.stopCh)
		if !ok {
			return
		}
		w.handle(ev)
		complete()
	}
}

func (w *acsWorker) handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.AcsAcceptCustody:
		w.acceptCustody(e)
	case *events.AcsExpired:
		w.flush(e.Key)
	default:
		panic("acs: unhandled event")
	}
}

func (w *acsWorker) acceptCustody(e *events.AcsAcceptCustody) {
	d := w.d
	defer e.Ref.Release()

	res, added := d.ACS.Add(e.Custodian, e.Succeeded, e.Reason, e.CustodyID)
	if !added {
		w.logger.Debug().
			Uint64("custody_id", e.CustodyID).
			Str("custodian", e.Custodian.String()).
			Msg("custody id already pending")
		return
	}

	w.logger.Debug().
		Uint64("custody_id", e.CustodyID).
		Str("placement", res.Placement.String()).
		Str("key", res.Key).
		Msg("custody id added to pending acs")

	// Durable after every delta so a restart flushes outstanding signals.
	w.persistPending(res.Key)

	if res.FlushNow {
		w.flush(res.Key)
		return
	}
	if res.Armed {
		key := res.Key
		w.timers[key] = d.Timers.ScheduleIn(res.Delay, func() {
			d.Dispatcher.Post(&events.AcsExpired{Key: key})
		})
	}
}

func (w *acsWorker) persistPending(key string) {
	d := w.d
	p, ok := d.ACS.Peek(key)
	if !ok {
		return
	}
	data, err := p.Encode()
	if err != nil {
		w.logger.Error().Err(err).Msg("pending acs encode failed")
		return
	}
	d.Dispatcher.Post(&events.StorePut{
		Table: storage.TablePendingACS,
		Key:   key,
		Value: data,
	})
}

// flush encodes the pending signal as an admin bundle and emits it toward
// the destination custodian.
func (w *acsWorker) flush(key string) {
	d := w.d

	if t, ok := w.timers[key]; ok {
		t.Cancel()
		delete(w.timers, key)
	}

	sig, pending := d.ACS.TakeFlush(key)
	if sig == nil {
		return
	}
	d.Dispatcher.Post(&events.StoreDelete{
		Table: storage.TablePendingACS,
		Key:   key,
	})

	custodian, err := eid.Parse(pending.Custodian)
	if err != nil {
		w.logger.Error().Err(err).Str("key", key).Msg("pending acs custodian unparseable")
		return
	}

	if err := d.InjectBundle(d.LocalEID, custodian, 86400, sig.Encode(), true); err != nil {
		w.logger.Error().Err(err).Msg("acs injection failed")
		return
	}
	metrics.ACSSignalsSent.Inc()
	metrics.ACSCustodyIDs.Add(float64(pending.IDCount()))
	w.logger.Info().
		Str("custodian", pending.Custodian).
		Uint64("ids", pending.IDCount()).
		Msg("aggregate custody signal emitted")
}
