package restage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/config"
	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultCodec() Codec {
	return Codec{FieldSep: "_", EIDSep: "-"}
}

func TestFilenameRoundTrip(t *testing.T) {
	codec := defaultCodec()
	tests := []struct {
		name string
		rec  *Record
	}{
		{"ipn simple", &Record{
			Src: eid.MustParse("ipn:5.1"), Dst: eid.MustParse("ipn:9.2"),
			BTSSecs: 820000000, BTSSeq: 3, PayloadLength: 1048576,
			ExpSecs: 820003600,
		}},
		{"fragment", &Record{
			Src: eid.MustParse("ipn:5.1"), Dst: eid.MustParse("ipn:9.2"),
			BTSSecs: 1000, BTSSeq: 0, IsFragment: true,
			FragOffset: 4096, FragLength: 2048,
			PayloadLength: 2048, ExpSecs: 5000,
		}},
		{"dtn endpoints", &Record{
			Src: eid.MustParse("dtn://gs1/out"), Dst: eid.MustParse("dtn://relay/in"),
			BTSSecs: 7, BTSSeq: 9, PayloadLength: 64, ExpSecs: 1007,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := codec.Encode(tt.rec)
			got, err := codec.Decode(name)
			require.NoError(t, err, "filename %q", name)
			assert.Equal(t, tt.rec.GBOF(), got.GBOF())
			assert.Equal(t, tt.rec.PayloadLength, got.PayloadLength)
			assert.Equal(t, tt.rec.ExpSecs, got.ExpSecs)
		})
	}
}

func TestFilenameShape(t *testing.T) {
	codec := defaultCodec()
	rec := &Record{
		Src: eid.MustParse("ipn:5.1"), Dst: eid.MustParse("ipn:9.2"),
		BTSSecs: 820000000, BTSSeq: 3, PayloadLength: 1048576,
		ExpSecs: 820003600,
	}
	name := codec.Encode(rec)
	assert.True(t, strings.HasPrefix(name, "src_ipn-5-1_dst_ipn-9-2_bts_"), name)
	assert.Contains(t, name, "_pay_1048576_exp_")
	assert.NotContains(t, name, "_frg_", "non-fragments carry no frg fields")
}

func TestFilenameAlternateSeparators(t *testing.T) {
	codec := Codec{FieldSep: "-", EIDSep: "_"}
	rec := &Record{
		Src: eid.MustParse("ipn:5.1"), Dst: eid.MustParse("ipn:9.2"),
		BTSSecs: 1000, PayloadLength: 10, ExpSecs: 2000,
	}
	name := codec.Encode(rec)
	got, err := codec.Decode(name)
	require.NoError(t, err)
	assert.Equal(t, rec.GBOF(), got.GBOF())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	codec := defaultCodec()
	for _, name := range []string{
		"",
		"src_ipn-5-1",
		"notafile.txt",
		"src_ipn-5-1_dst_ipn-9-2_bts_x_y_z_pay_1_exp_a_b",
	} {
		_, err := codec.Decode(name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestQuotaDir(t *testing.T) {
	codec := defaultCodec()
	rec := &Record{Src: eid.MustParse("ipn:5.1"), Dst: eid.MustParse("ipn:9.2")}
	assert.Equal(t, "dst_ipn-9", codec.QuotaDir(rec, false))
	assert.Equal(t, "src_ipn-5", codec.QuotaDir(rec, true))
}

type fakeMailer struct {
	subjects []string
}

func (m *fakeMailer) Notify(subject, body string) error {
	m.subjects = append(m.subjects, subject)
	return nil
}

type env struct {
	ctrl     *Controller
	deps     Deps
	mailer   *fakeMailer
	root     string
	payloads *storage.PayloadStore
}

func newEnv(t *testing.T, mutate func(*config.RestageConfig)) *env {
	t.Helper()
	dataDir := t.TempDir()
	root := filepath.Join(dataDir, "restage")

	cfg := config.DefaultConfig().Restage
	cfg.MountPoint = false
	cfg.EmailEnabled = true
	cfg.FromEmail = "dtnd@node1"
	// the volume floor depends on the machine running the tests
	cfg.MinDiskSpace = 0
	if mutate != nil {
		mutate(&cfg)
	}

	payloads, err := storage.NewPayloadStore(dataDir)
	require.NoError(t, err)

	deps := Deps{
		Dispatcher: events.NewDispatcher(),
		Bundles:    bundle.NewStore(),
		Payloads:   payloads,
	}
	mailer := &fakeMailer{}
	bard := NewBARD(cfg.TTLOverride, cfg.PartOfPool)
	ctrl := NewController(root, cfg, deps, bard, mailer)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)
	return &env{ctrl: ctrl, deps: deps, mailer: mailer, root: root, payloads: payloads}
}

func testBundle(remainingTTL uint64, payloadLen int) (*bundle.Bundle, []byte) {
	now := bundle.DTNTimeNow()
	b := bundle.New(eid.MustParse("ipn:5.1"), eid.MustParse("ipn:9.2"),
		bundle.Timestamp{Seconds: now - 10, SeqNo: 1}, remainingTTL+10)
	payload := make([]byte, payloadLen)
	b.PayloadLength = uint64(payloadLen)
	return b, payload
}

func TestRestageThenReload(t *testing.T) {
	e := newEnv(t, func(cfg *config.RestageConfig) {
		cfg.TTLOverride = 86400
		cfg.DaysRetention = 7
	})

	b, payload := testBundle(3600, 1<<20)
	name, err := e.ctrl.Restage(b, payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "src_ipn-5-1_dst_ipn-9-2_bts_"), name)
	assert.Contains(t, name, "_pay_1048576_exp_")

	// Disk accounting grows by the file's block count times 512.
	path := filepath.Join(e.root, "dst_ipn-9", name)
	info, err := os.Stat(path)
	require.NoError(t, err)
	expected := blockUsage(uint64(info.Size()))
	assert.Equal(t, expected, e.ctrl.DiskInUse())

	n, err := e.ctrl.ReloadAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "reloaded file deleted")
	assert.Equal(t, uint64(0), e.ctrl.DiskInUse())

	_, reloaded, _ := e.ctrl.Totals()
	assert.Equal(t, uint64(1), reloaded)

	// The reloaded bundle re-enters the Input queue with its TTL bumped
	// to at least the override.
	ev, complete, ok := e.deps.Dispatcher.Queue(events.ProcInput).TryPop()
	require.True(t, ok)
	complete()
	br := ev.(*events.BundleReceived)
	assert.Equal(t, "restage", br.Source)
	got := br.Ref.Bundle()
	assert.GreaterOrEqual(t, got.TimeToExpiration(), 86000*time.Second)
	assert.Equal(t, b.GBOF(), got.GBOF())
}

func TestQuotaExhaustionGoesFull(t *testing.T) {
	e := newEnv(t, func(cfg *config.RestageConfig) {
		cfg.DiskQuota = 2048
		cfg.MinQuotaAvail = 512
	})

	b1, p1 := testBundle(3600, 800)
	_, err := e.ctrl.Restage(b1, p1)
	require.NoError(t, err)

	b2, p2 := testBundle(3600, 4000)
	b2.Creation.SeqNo = 2
	_, err = e.ctrl.Restage(b2, p2)
	require.Error(t, err)
	assert.Equal(t, Full, e.ctrl.State())
	assert.Contains(t, e.mailer.subjects[0], "FULL")

	// FULL rejects further restages outright.
	b3, p3 := testBundle(3600, 8)
	b3.Creation.SeqNo = 3
	_, err = e.ctrl.Restage(b3, p3)
	require.Error(t, err)

	// Reload frees space and the store comes back online.
	_, err = e.ctrl.ReloadAll()
	require.NoError(t, err)
	assert.Equal(t, Online, e.ctrl.State())
}

func TestBARDThresholds(t *testing.T) {
	b := NewBARD(0, false)
	b.SetThresholds(1000, 300)

	// ONLINE -> FULL: quota exhausted or volume under the disk floor.
	assert.False(t, b.DeclareFull(4096, 4095, 5000, true))
	assert.True(t, b.DeclareFull(4096, 4096, 5000, true))
	assert.True(t, b.DeclareFull(4096, 0, 999, true))
	assert.False(t, b.DeclareFull(0, 1<<40, 5000, true), "no quota means quota never fills")

	// FULL -> ONLINE needs the larger min_quota_avail margin, not just a
	// byte under quota.
	assert.False(t, b.DeclareOnline(4096, 4095, 5000, true))
	assert.False(t, b.DeclareOnline(4096, 3900, 5000, true), "headroom 196 < margin 300")
	assert.True(t, b.DeclareOnline(4096, 3700, 5000, true), "headroom 396 >= margin 300")
	assert.False(t, b.DeclareOnline(4096, 0, 999, true), "volume floor still binds")
	assert.True(t, b.DeclareOnline(0, 0, 5000, true))

	// Unknown volume stats fall back to quota-only decisions.
	assert.False(t, b.DeclareFull(4096, 100, 0, false))
	assert.True(t, b.DeclareOnline(4096, 100, 0, false))
}

func TestFullToOnlineHysteresis(t *testing.T) {
	// Two thresholds: the store fills at the quota but only recovers once
	// headroom reaches min_quota_avail, so freeing a little space must not
	// flap it back ONLINE.
	e := newEnv(t, func(cfg *config.RestageConfig) {
		cfg.DiskQuota = 6144
		cfg.MinQuotaAvail = 3500
		cfg.ExpireBundles = true
		cfg.DaysRetention = 365
	})

	// A small, already-expired bundle the GC can reclaim.
	expired, ep := testBundle(3600, 200)
	expired.Creation.Seconds = 100
	expired.Lifetime = 1
	_, err := e.ctrl.Restage(expired, ep)
	require.NoError(t, err)

	// A larger fresh bundle.
	fresh, fp := testBundle(3600, 2600)
	fresh.Creation.SeqNo = 2
	_, err = e.ctrl.Restage(fresh, fp)
	require.NoError(t, err)
	require.Equal(t, Online, e.ctrl.State())

	// A third restage would cross the quota: the store goes FULL.
	big, bp := testBundle(3600, 2000)
	big.Creation.SeqNo = 3
	_, err = e.ctrl.Restage(big, bp)
	require.Error(t, err)
	require.Equal(t, Full, e.ctrl.State())

	// GC reclaims only the small expired file: headroom recovers but
	// stays under min_quota_avail, so the store remains FULL.
	removed := e.ctrl.GC()
	require.Equal(t, 1, removed)
	assert.Equal(t, Full, e.ctrl.State(), "small reclaim must not flap the store online")

	// Reloading the remaining file clears the margin: ONLINE again.
	_, err = e.ctrl.ReloadAll()
	require.NoError(t, err)
	assert.Equal(t, Online, e.ctrl.State())
}

func TestGCRemovesExpiredBundles(t *testing.T) {
	e := newEnv(t, func(cfg *config.RestageConfig) {
		cfg.ExpireBundles = true
		cfg.DaysRetention = 365
	})

	// Already-expired bundle: encode a record whose expiration passed.
	b, payload := testBundle(3600, 100)
	b.Lifetime = 1
	b.Creation.Seconds = 100 // long past
	_, err := e.ctrl.Restage(b, payload)
	require.NoError(t, err)

	fresh, fp := testBundle(3600, 100)
	fresh.Creation.SeqNo = 7
	_, err = e.ctrl.Restage(fresh, fp)
	require.NoError(t, err)

	removed := e.ctrl.GC()
	assert.Equal(t, 1, removed)

	dirs := e.ctrl.Dirs()
	assert.Equal(t, uint64(1), dirs["dst_ipn-9"].Files)
}

func TestRescanSkipsUnparseableFiles(t *testing.T) {
	e := newEnv(t, nil)

	b, payload := testBundle(3600, 64)
	_, err := e.ctrl.Restage(b, payload)
	require.NoError(t, err)

	junk := filepath.Join(e.root, "dst_ipn-9", "not-a-restage-file")
	require.NoError(t, os.WriteFile(junk, []byte("junk"), 0o644))

	require.NoError(t, e.ctrl.Rescan())
	dirs := e.ctrl.Dirs()
	assert.Equal(t, uint64(1), dirs["dst_ipn-9"].Files, "junk excluded from stats")

	// The junk file survives in place.
	_, err = os.Stat(junk)
	assert.NoError(t, err)
}

func TestRescanRebuildsStats(t *testing.T) {
	e := newEnv(t, nil)
	b, payload := testBundle(3600, 256)
	_, err := e.ctrl.Restage(b, payload)
	require.NoError(t, err)
	before := e.ctrl.DiskInUse()

	require.NoError(t, e.ctrl.Rescan())
	assert.Equal(t, before, e.ctrl.DiskInUse())
}
