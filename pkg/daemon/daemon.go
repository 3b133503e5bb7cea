package daemon

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/dtnd/pkg/acs"
	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/config"
	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/link"
	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/metrics"
	"github.com/kestrelworks/dtnd/pkg/reg"
	"github.com/kestrelworks/dtnd/pkg/storage"
	"github.com/kestrelworks/dtnd/pkg/timer"
)

// shutdownGrace bounds the admin-traffic drain during shutdown.
const shutdownGrace = 2 * time.Second

// Counters are the Main worker's global statistics.
type Counters struct {
	Received           atomic.Uint64
	Delivered          atomic.Uint64
	Transmitted        atomic.Uint64
	Expired            atomic.Uint64
	Duplicate          atomic.Uint64
	Deleted            atomic.Uint64
	Injected           atomic.Uint64
	Rejected           atomic.Uint64
	SuppressedDelivery atomic.Uint64
}

// Daemon is the bundle daemon: it owns the canonical bundle store, the
// worker set, and every manager the workers share. One Daemon value is
// constructed at boot and passed explicitly to each worker.
type Daemon struct {
	Cfg      *config.Config
	LocalEID eid.EID

	Bundles  *bundle.Store
	Durable  storage.Store
	Payloads *storage.PayloadStore

	Dispatcher *events.Dispatcher
	Timers     *timer.Service

	Links   *link.Manager
	CLs     *link.Registry
	RegTab  *reg.Table
	Router  link.Router
	ACS     *acs.Manager
	Stats   Counters

	adminReg    *reg.AdminRegistration
	adminRegIPN *reg.AdminRegistration

	// custodyByID maps ACS custody IDs to local bundle IDs.
	custodyMu   sync.Mutex
	custodyByID map[uint64]uint64

	creationMu  sync.Mutex
	creationSec uint64
	creationSeq uint64

	logger   zerolog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
	group    *errgroup.Group

	input   *inputWorker
	main    *mainWorker
	output  *outputWorker
	storage *storageWorker
	acsw    *acsWorker
}

// New assembles a daemon from its configuration and collaborators. The
// router may be nil, in which case a NullRouter is installed.
func New(cfg *config.Config, durable storage.Store, payloads *storage.PayloadStore, router link.Router) (*Daemon, error) {
	local, err := eid.Parse(cfg.LocalEID)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	if router == nil {
		router = link.NullRouter{}
	}

	params := acs.NewParamStore(acs.RouteParams{
		Enabled: cfg.ACS.Enabled,
		Size:    cfg.ACS.Size,
		Delay:   cfg.ACS.Delay,
	})

	d := &Daemon{
		Cfg:         cfg,
		LocalEID:    local,
		Bundles:     bundle.NewStore(),
		Durable:     durable,
		Payloads:    payloads,
		Dispatcher:  events.NewDispatcher(),
		Timers:      timer.NewService(),
		Links:       link.NewManager(),
		CLs:         link.NewRegistry(),
		RegTab:      reg.NewTable(),
		Router:      router,
		ACS:         acs.NewManager(params),
		custodyByID: make(map[uint64]uint64),
		logger:      log.WithComponent("daemon"),
		stopCh:      make(chan struct{}),
	}

	d.input = newInputWorker(d)
	d.main = newMainWorker(d)
	d.output = newOutputWorker(d)
	d.storage = newStorageWorker(d)
	d.acsw = newAcsWorker(d)

	if err := d.installAdminRegistrations(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) installAdminRegistrations() error {
	pattern, err := eid.ParsePattern(d.LocalEID.String())
	if err != nil {
		return err
	}
	d.adminReg = reg.NewAdmin(0, pattern, d)
	if err := d.RegTab.Add(d.adminReg.Registration); err != nil {
		return err
	}

	if d.LocalEID.Scheme == eid.SchemeIPN {
		ipnPattern, err := eid.ParsePattern(fmt.Sprintf("ipn:%d.*", d.LocalEID.Node))
		if err != nil {
			return err
		}
		d.adminRegIPN = reg.NewAdminIPN(1, ipnPattern, d, d,
			d.Cfg.IPNEchoServiceNumber, d.Cfg.IPNEchoMaxReturnLength)
		if err := d.RegTab.Add(d.adminRegIPN.Registration); err != nil {
			return err
		}
	}
	return nil
}

// Start loads durable state and launches the worker set.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.reload(); err != nil {
		return err
	}
	d.Timers.Start()

	g, _ := errgroup.WithContext(ctx)
	d.group = g
	g.Go(func() error { d.input.run(); return nil })
	g.Go(func() error { d.main.run(); return nil })
	g.Go(func() error { d.output.run(); return nil })
	g.Go(func() error { d.storage.run(); return nil })
	g.Go(func() error { d.acsw.run(); return nil })

	metrics.RegisterComponent("daemon", true, "running")
	metrics.RegisterComponent("input", true, "running")
	metrics.RegisterComponent("storage", true, "running")

	if d.Cfg.AnnounceIPN && d.LocalEID.Scheme == eid.SchemeIPN {
		d.announceIPN()
	}
	d.logger.Info().Str("local_eid", d.LocalEID.String()).Msg("bundle daemon started")
	return nil
}

// Shutdown requests the cooperative two-phase shutdown and waits for the
// workers to exit.
func (d *Daemon) Shutdown() {
	d.Dispatcher.Post(&events.ShutdownRequest{})
	d.Wait()
}

// Wait blocks until every worker has exited.
func (d *Daemon) Wait() {
	if d.group != nil {
		d.group.Wait()
	}
}

// stop is phase two of shutdown: called by the Main worker after links are
// closed and admin traffic drained.
func (d *Daemon) stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.Timers.Stop()
	})
}

// NextCreationTimestamp returns the creation timestamp for a locally
// sourced bundle, bumping the sequence number within one second.
func (d *Daemon) NextCreationTimestamp() bundle.Timestamp {
	d.creationMu.Lock()
	defer d.creationMu.Unlock()
	now := bundle.DTNTimeNow()
	if now == d.creationSec {
		d.creationSeq++
	} else {
		d.creationSec = now
		d.creationSeq = 0
	}
	return bundle.Timestamp{Seconds: d.creationSec, SeqNo: d.creationSeq}
}

// InjectBundle creates a locally sourced bundle around a payload and hands
// it to the Input worker. Used by the API, the ping responder, and the
// admin-signal generators.
func (d *Daemon) InjectBundle(src, dst eid.EID, lifetime uint64, payload []byte, isAdmin bool) error {
	path, err := d.Payloads.CreateBytes(payload)
	if err != nil {
		return err
	}
	b := bundle.New(src, dst, d.NextCreationTimestamp(), lifetime)
	b.PayloadFile = path
	b.PayloadLength = uint64(len(payload))
	b.IsAdmin = isAdmin

	ref := d.Bundles.Insert(b)
	d.Stats.Injected.Add(1)
	d.Dispatcher.Post(&events.BundleReceived{
		Ref:    ref,
		Source: "api",
	})
	return nil
}

// takeRef duplicates a strong reference for handing to an event.
func (d *Daemon) takeRef(ref bundle.Ref) bundle.Ref {
	return bundle.TakeRef(ref.Bundle())
}

// SendEcho implements the ping responder for the IPN admin registration.
func (d *Daemon) SendEcho(to eid.EID, payload []byte) {
	src := eid.NewIPN(d.LocalEID.Node, d.Cfg.IPNEchoServiceNumber)
	if err := d.InjectBundle(src, to, 300, payload, false); err != nil {
		d.logger.Error().Err(err).Msg("echo reply injection failed")
	}
}

// announceIPN emits the IPN announce admin bundle at startup.
func (d *Daemon) announceIPN() {
	payload := []byte{admin.TypeAnnounce << 4}
	payload = append(payload, []byte(d.LocalEID.String())...)
	if err := d.InjectBundle(d.LocalEID, eid.NewIPN(d.LocalEID.Node, 0), 300, payload, true); err != nil {
		d.logger.Error().Err(err).Msg("ipn announce injection failed")
	}
}

// mapCustodyID records the custody-ID to bundle binding while in custody.
func (d *Daemon) mapCustodyID(custodyID, bundleID uint64) {
	d.custodyMu.Lock()
	d.custodyByID[custodyID] = bundleID
	d.custodyMu.Unlock()
}

// lookupCustodyID resolves a custody ID to a local bundle ID.
func (d *Daemon) lookupCustodyID(custodyID uint64) (uint64, bool) {
	d.custodyMu.Lock()
	defer d.custodyMu.Unlock()
	id, ok := d.custodyByID[custodyID]
	return id, ok
}

// unmapCustodyID drops the binding on custody release.
func (d *Daemon) unmapCustodyID(custodyID uint64) {
	d.custodyMu.Lock()
	delete(d.custodyByID, custodyID)
	d.custodyMu.Unlock()
}

// reload rebuilds in-memory state from the durable store: bundles and
// their indexes, registrations, links, and pending aggregate signals.
func (d *Daemon) reload() error {
	err := d.Durable.ForEach(storage.TableBundles, func(key string, value []byte) error {
		b, err := decodeBundleRecord(value)
		if err != nil {
			d.logger.Error().Str("key", key).Err(err).Msg("dropping unreadable bundle record")
			return nil
		}
		b.InDatastore = true
		ref := d.Bundles.Insert(b)
		d.Bundles.AddPending(b)
		if b.LocalCustody {
			d.Bundles.AddCustody(b)
			if b.CustodyID != 0 {
				d.mapCustodyID(b.CustodyID, b.ID)
				d.ACS.Allocator().Seed(b.CustodyID)
			}
		}
		d.scheduleExpiration(ref)
		ref.Release()
		return nil
	})
	if err != nil {
		return fmt.Errorf("daemon: reload bundles: %w", err)
	}

	err = d.Durable.ForEach(storage.TableRegistrations, func(key string, value []byte) error {
		r, err := reg.DecodeRecord(value)
		if err != nil {
			d.logger.Error().Str("key", key).Err(err).Msg("dropping unreadable registration record")
			return nil
		}
		if r.ID < 10 {
			// built-in registrations are reconstructed, not loaded
			return nil
		}
		return d.RegTab.Add(r)
	})
	if err != nil {
		return fmt.Errorf("daemon: reload registrations: %w", err)
	}

	if d.Cfg.RecreateLinksOnRestart {
		err = d.Durable.ForEach(storage.TableLinks, func(key string, value []byte) error {
			rec, err := link.DecodeRecord(value)
			if err != nil {
				d.logger.Error().Str("key", key).Err(err).Msg("dropping unreadable link record")
				return nil
			}
			l, err := link.Reincarnate(rec, d.CLs)
			if err != nil {
				d.logger.Warn().Str("link", rec.Name).Err(err).Msg("link not reincarnated")
				return nil
			}
			return d.Links.Add(l)
		})
		if err != nil {
			return fmt.Errorf("daemon: reload links: %w", err)
		}
	}

	err = d.Durable.ForEach(storage.TablePendingACS, func(key string, value []byte) error {
		p, err := acs.DecodePending(value)
		if err != nil {
			d.logger.Error().Str("key", key).Err(err).Msg("dropping unreadable pending acs record")
			return nil
		}
		d.ACS.Restore(p)
		// a restart flushes outstanding signals immediately
		d.Dispatcher.Post(&events.AcsExpired{Key: p.Key()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("daemon: reload pending acs: %w", err)
	}
	return nil
}

// scheduleExpiration arms the bundle's expiration timer. The timer holds
// only the bundle ID; it resolves the bundle on fire so a deleted bundle
// is never touched.
func (d *Daemon) scheduleExpiration(ref bundle.Ref) {
	b := ref.Bundle()
	id := b.ID
	t := d.Timers.ScheduleIn(b.TimeToExpiration(), func() {
		expRef, ok := d.Bundles.Get(id)
		if !ok {
			return
		}
		d.Dispatcher.Post(&events.BundleExpired{Ref: expRef})
	})
	b.SetExpirationTimer(t)
}

// reapIfUnreferenced erases a bundle that never reached (or has left) the
// pending and custody indexes once only the store's own reference remains.
func (d *Daemon) reapIfUnreferenced(b *bundle.Bundle) {
	if !d.Bundles.Contains(b.ID) {
		return
	}
	if d.Bundles.IsPending(b) || d.Bundles.InCustody(b) {
		return
	}
	if b.RefCount() != 1 {
		return
	}
	if b.PayloadFile != "" {
		if err := d.Payloads.Remove(b.PayloadFile); err != nil {
			d.logger.Error().Err(err).Msg("payload remove failed")
		}
	}
	d.Bundles.Erase(b)
}

// encodeBundleRecord serializes a bundle's durable metadata under the
// bundle lock so the computed size equals the written size.
func encodeBundleRecord(b *bundle.Bundle) ([]byte, error) {
	b.Lock()
	defer b.Unlock()
	return marshalBundle(b)
}

// bundleKey is the bundles-table key for a bundle.
func bundleKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
