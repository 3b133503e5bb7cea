package daemon

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/metrics"
	"github.com/kestrelworks/dtnd/pkg/storage"
)

// Storage worker batching policy.
const (
	storageBatchMax   = 64
	storageBatchDelay = 50 * time.Millisecond
)

// storageWorker serializes durable updates for bundles, registrations,
// links, and pending-ACS records, committing them in batches.
type storageWorker struct {
	d      *Daemon
	logger zerolog.Logger
	batch  []storage.Update
}

func newStorageWorker(d *Daemon) *storageWorker {
	return &storageWorker{d: d, logger: log.WithComponent("storage")}
}

func (w *storageWorker) run() {
	q := w.d.Dispatcher.Queue(events.ProcStorage)
	for {
		ev, complete, ok := q.Pop(w.d.stopCh)
		if !ok {
			// flush pending updates before exit
			w.commit()
			return
		}
		w.handle(ev)

		// Batch: drain what is immediately available, commit when the
		// batch is full or the queue momentarily empties.
		for len(w.batch) < storageBatchMax {
			next, nextComplete, ok := q.TryPop()
			if !ok {
				break
			}
			w.handle(next)
			nextComplete()
		}
		w.commit()
		complete()
	}
}

func (w *storageWorker) handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.StorePut:
		w.batch = append(w.batch, storage.Update{
			Op:    storage.OpPut,
			Table: e.Table,
			Key:   e.Key,
			Value: e.Value,
		})
	case *events.StoreDelete:
		w.batch = append(w.batch, storage.Update{
			Op:    storage.OpDelete,
			Table: e.Table,
			Key:   e.Key,
		})
	case *events.StoreFlush:
		w.commit()
	default:
		panic("storage: unhandled event")
	}
}

func (w *storageWorker) commit() {
	if len(w.batch) == 0 {
		return
	}
	t := metrics.NewTimer()
	if err := w.d.Durable.Batch(w.batch); err != nil {
		w.logger.Error().Err(err).Int("updates", len(w.batch)).Msg("batch commit failed")
	}
	t.ObserveDuration(metrics.StoreCommitDuration)
	metrics.StoreBatchSize.Observe(float64(len(w.batch)))

	for i := range w.batch {
		if w.batch[i].Table == storage.TableBundles && w.batch[i].Op == storage.OpPut {
			if ref, ok := w.d.Bundles.Get(parseBundleKey(w.batch[i].Key)); ok {
				b := ref.Bundle()
				b.QueuedForDatastore = false
				b.InDatastore = true
				ref.Release()
			}
		}
	}
	w.batch = w.batch[:0]
}

func parseBundleKey(key string) uint64 {
	id, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
