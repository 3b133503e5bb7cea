package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/config"
	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/link"
	"github.com/kestrelworks/dtnd/pkg/reg"
	"github.com/kestrelworks/dtnd/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCL struct{ name string }

func (f *fakeCL) Name() string                                        { return f.name }
func (f *fakeCL) InterfaceUp(string, map[string]string) error         { return nil }
func (f *fakeCL) InterfaceDown(string) error                          { return nil }
func (f *fakeCL) InitLink(*link.Link, map[string]string) error        { return nil }
func (f *fakeCL) DeleteLink(*link.Link)                               {}
func (f *fakeCL) ReconfigureLink(*link.Link, map[string]string) error { return nil }
func (f *fakeCL) DumpLink(*link.Link) string                          { return "" }
func (f *fakeCL) OpenContact(*link.Contact, *link.Link) error         { return nil }
func (f *fakeCL) CloseContact(*link.Contact, *link.Link) error        { return nil }
func (f *fakeCL) BundleQueued(*link.Link, bundle.Ref)                 {}
func (f *fakeCL) ListLinkOpts() []string                              { return nil }
func (f *fakeCL) ListInterfaceOpts() []string                         { return nil }
func (f *fakeCL) Shutdown()                                           {}

func newTestDaemon(t *testing.T, mutate func(*config.Config)) *Daemon {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.LocalEID = "ipn:1.0"
	cfg.DataDir = t.TempDir()
	cfg.EarlyDeletion = true
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	durable, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	payloads, err := storage.NewPayloadStore(cfg.DataDir)
	require.NoError(t, err)

	d, err := New(cfg, durable, payloads, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		d.Shutdown()
		durable.Close()
	})
	return d
}

// receiveBundle builds an arrival and posts it through the Input worker.
func receiveBundle(t *testing.T, d *Daemon, src, dst string, creation bundle.Timestamp,
	payload []byte, mutate func(*bundle.Bundle)) *bundle.Bundle {
	t.Helper()
	path, err := d.Payloads.CreateBytes(payload)
	require.NoError(t, err)

	b := bundle.New(eid.MustParse(src), eid.MustParse(dst), creation, 3600)
	b.PayloadFile = path
	b.PayloadLength = uint64(len(payload))
	if mutate != nil {
		mutate(b)
	}
	ref := d.Bundles.Insert(b)
	d.Dispatcher.Post(&events.BundleReceived{
		Ref:       ref,
		Link:      "test-in",
		Source:    "cl",
		BytesRecv: uint64(len(payload)),
	})
	return b
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestDuplicateSuppression(t *testing.T) {
	d := newTestDaemon(t, func(cfg *config.Config) {
		cfg.SuppressDuplicates = true
	})

	regID := d.RegTab.NextID()
	require.NoError(t, d.RegTab.Add(reg.New(regID, reg.KindAPI, eid.MustParsePattern("ipn:1.9"))))

	ts := bundle.Timestamp{Seconds: bundle.DTNTimeNow(), SeqNo: 0}
	payload := make([]byte, 512)
	receiveBundle(t, d, "ipn:1.1", "ipn:1.9", ts, payload, nil)
	eventually(t, func() bool { return d.Stats.Received.Load() == 1 }, "first arrival")

	receiveBundle(t, d, "ipn:1.1", "ipn:1.9", ts, payload, nil)
	eventually(t, func() bool { return d.Stats.Received.Load() == 2 }, "second arrival")
	eventually(t, func() bool { return d.Stats.Duplicate.Load() == 1 }, "dupe counted")

	eventually(t, func() bool { return d.Stats.Delivered.Load() == 1 }, "one delivery")
	assert.Equal(t, uint64(1), d.Stats.Duplicate.Load())

	r, _ := d.RegTab.Get(regID)
	queued, _ := r.QueueDepth()
	assert.Equal(t, 1, queued, "exactly one bundle queued for the registration")
}

func TestCustodyTransferRoundTrip(t *testing.T) {
	d := newTestDaemon(t, func(cfg *config.Config) {
		cfg.AcceptCustody = true
	})
	require.NoError(t, d.Links.Add(link.New("l-out", link.OnDemand, &fakeCL{name: "fake"},
		"10.0.0.2:4556", eid.MustParse("ipn:9.0"))))

	ts := bundle.Timestamp{Seconds: bundle.DTNTimeNow(), SeqNo: 1}
	b := receiveBundle(t, d, "ipn:5.1", "ipn:9.2", ts, []byte("custodial"),
		func(b *bundle.Bundle) {
			b.CustodyRequested = true
			b.Custodian = eid.MustParse("ipn:5.0")
		})

	// Custody accepted: custodian overwritten, index populated.
	eventually(t, func() bool {
		_, _, custody, _ := d.Bundles.Counts()
		return custody == 1
	}, "custody accepted")
	assert.True(t, b.Custodian.Equal(d.LocalEID))
	assert.NotZero(t, b.CustodyID)

	// A custody signal to the previous custodian was injected.
	eventually(t, func() bool { return d.Stats.Injected.Load() >= 1 }, "signal injected")

	// Transmission succeeds over an unreliable link: custody timer armed.
	ref, ok := d.Bundles.Get(b.ID)
	require.True(t, ok)
	d.Dispatcher.Post(&events.BundleTransmitted{
		Ref:       ref,
		Link:      "l-out",
		BytesSent: 9,
		Reliably:  false,
		Success:   true,
	})
	eventually(t, func() bool { return d.Stats.Transmitted.Load() == 1 }, "transmitted")
	eventually(t, func() bool { return b.CustodyTimerCount() == 1 }, "custody timer armed")

	// Peer custody signal (succeeded) releases custody and the bundle
	// becomes deletable.
	d.Dispatcher.Post(&events.CustodySignalReceived{Signal: &admin.CustodySignal{
		Succeeded:    true,
		CreationSecs: ts.Seconds,
		CreationSeq:  ts.SeqNo,
		Source:       eid.MustParse("ipn:5.1"),
	}})
	eventually(t, func() bool {
		_, _, custody, _ := d.Bundles.Counts()
		return custody == 0
	}, "custody released")
	eventually(t, func() bool { return !d.Bundles.Contains(b.ID) }, "bundle deleted")
}

func TestRedundantReceptionReleasesCustody(t *testing.T) {
	d := newTestDaemon(t, nil)

	ts := bundle.Timestamp{Seconds: bundle.DTNTimeNow(), SeqNo: 0}
	b := receiveBundle(t, d, "ipn:5.1", "ipn:9.2", ts, []byte("x"),
		func(b *bundle.Bundle) { b.CustodyRequested = true })

	eventually(t, func() bool {
		_, _, custody, _ := d.Bundles.Counts()
		return custody == 1
	}, "custody accepted")

	// failed + redundant reception is the paradoxical pair that still
	// releases custody: the peer already has the bundle.
	d.Dispatcher.Post(&events.CustodySignalReceived{Signal: &admin.CustodySignal{
		Succeeded:    false,
		Reason:       admin.ReasonRedundantReception,
		CreationSecs: ts.Seconds,
		Source:       eid.MustParse("ipn:5.1"),
	}})
	eventually(t, func() bool {
		_, _, custody, _ := d.Bundles.Counts()
		return custody == 0
	}, "custody released on redundant reception")
	_ = b
}

func TestACSMergeAndFlush(t *testing.T) {
	d := newTestDaemon(t, func(cfg *config.Config) {
		cfg.ACS.Enabled = true
		cfg.ACS.Delay = 50 * time.Millisecond
		cfg.AcceptCustody = true
	})

	// Custodial bundles carrying valid CTEBs: acceptance is acknowledged
	// through the aggregate signal instead of one bundle per custodian.
	for i := 0; i < 3; i++ {
		receiveBundle(t, d, "ipn:5.1", "ipn:9.2",
			bundle.Timestamp{Seconds: bundle.DTNTimeNow(), SeqNo: uint64(i)}, []byte("c"),
			func(b *bundle.Bundle) {
				b.CustodyRequested = true
				b.Custodian = eid.MustParse("ipn:2.0")
				b.CTEB = bundle.CTEB{Valid: true, CustodyID: uint64(100 + i), Custodian: "ipn:2.0"}
			})
	}

	eventually(t, func() bool {
		_, _, custody, _ := d.Bundles.Counts()
		return custody == 3
	}, "custody accepted for all")

	// The accumulation timer flushes one aggregate signal.
	eventually(t, func() bool { return d.Stats.Injected.Load() >= 1 }, "acs flushed")
	eventually(t, func() bool { return len(d.ACS.Pending()) == 0 }, "pending cleared")
}

func TestCounterConservation(t *testing.T) {
	d := newTestDaemon(t, func(cfg *config.Config) {
		cfg.SuppressDuplicates = true
	})

	for i := 0; i < 5; i++ {
		receiveBundle(t, d, "ipn:5.1", "ipn:77.9",
			bundle.Timestamp{Seconds: bundle.DTNTimeNow(), SeqNo: uint64(i)}, []byte("b"), nil)
	}
	eventually(t, func() bool { return d.Stats.Received.Load() == 5 }, "all received")

	eventually(t, func() bool {
		_, pending, _, _ := d.Bundles.Counts()
		c := &d.Stats
		total := c.Delivered.Load() + c.Expired.Load() + c.Deleted.Load() +
			uint64(pending) + c.Rejected.Load()
		return c.Received.Load() == total
	}, "received = delivered + expired + deleted + still_pending + rejected")
}

func TestExpiredArrivalRejected(t *testing.T) {
	d := newTestDaemon(t, nil)

	receiveBundle(t, d, "ipn:5.1", "ipn:9.2", bundle.Timestamp{Seconds: 1, SeqNo: 0},
		[]byte("old"), func(b *bundle.Bundle) { b.Lifetime = 1 })

	eventually(t, func() bool { return d.Stats.Rejected.Load() == 1 }, "expired arrival rejected")
	_, pending, _, _ := d.Bundles.Counts()
	assert.Equal(t, 0, pending)
}

func TestShutdownFlushesStorage(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	durable, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	defer durable.Close()
	payloads, err := storage.NewPayloadStore(cfg.DataDir)
	require.NoError(t, err)

	d, err := New(cfg, durable, payloads, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	b := receiveBundle(t, d, "ipn:5.1", "ipn:9.2",
		bundle.Timestamp{Seconds: bundle.DTNTimeNow(), SeqNo: 0}, []byte("durable"), nil)
	eventually(t, func() bool { return d.Stats.Received.Load() == 1 }, "received")

	d.Shutdown()

	// The record survived the flush-before-exit.
	data, err := durable.Get(storage.TableBundles, bundleKey(b.ID))
	require.NoError(t, err)
	require.NotNil(t, data)

	got, err := decodeBundleRecord(data)
	require.NoError(t, err)
	assert.Equal(t, b.GBOF(), got.GBOF())
}

func TestReloadRebuildsIndexes(t *testing.T) {
	dataDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir

	durable, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)
	payloads, err := storage.NewPayloadStore(dataDir)
	require.NoError(t, err)

	d, err := New(cfg, durable, payloads, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	b := receiveBundle(t, d, "ipn:5.1", "ipn:9.2",
		bundle.Timestamp{Seconds: bundle.DTNTimeNow(), SeqNo: 0}, []byte("persist"),
		func(b *bundle.Bundle) { b.CustodyRequested = true })
	eventually(t, func() bool {
		_, _, custody, _ := d.Bundles.Counts()
		return custody == 1
	}, "custody accepted")
	d.Shutdown()
	require.NoError(t, durable.Close())

	// Reboot against the same data directory.
	durable2, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)
	defer durable2.Close()
	d2, err := New(cfg, durable2, payloads, nil)
	require.NoError(t, err)
	require.NoError(t, d2.Start(context.Background()))
	defer d2.Shutdown()

	all, pending, custody, dupe := d2.Bundles.Counts()
	assert.Equal(t, 1, all)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, custody)
	assert.Equal(t, 1, dupe)

	ref, ok := d2.Bundles.FindByGBOF(b.GBOF())
	require.True(t, ok)
	assert.True(t, ref.Bundle().LocalCustody)
}
