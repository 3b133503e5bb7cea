package restage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/config"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/metrics"
	"github.com/kestrelworks/dtnd/pkg/storage"
)

// State is the restage store state machine.
type State int

const (
	Online State = iota
	Full
	Error
	Deleted
)

func (s State) String() string {
	switch s {
	case Online:
		return "ONLINE"
	case Full:
		return "FULL"
	case Error:
		return "ERROR"
	case Deleted:
		return "DELETED"
	default:
		return "INVALID"
	}
}

// diskBlockSize is the accounting unit: file sizes round up to 512-byte
// blocks.
const diskBlockSize = 512

// gcInterval is the garbage-collection sweep period.
const gcInterval = time.Hour

// blockUsage rounds a file size up to whole disk blocks.
func blockUsage(size uint64) uint64 {
	blocks := (size + diskBlockSize - 1) / diskBlockSize
	return blocks * diskBlockSize
}

// DirStats are the per-quota-subject statistics kept for one directory.
type DirStats struct {
	Files     uint64
	Bytes     uint64 // payload bytes as encoded in filenames
	DiskUsage uint64 // block-rounded on-disk usage
}

// Deps are the daemon collaborators the restage store needs for reloads.
type Deps struct {
	Dispatcher *events.Dispatcher
	Bundles    *bundle.Store
	Payloads   *storage.PayloadStore
}

// Controller owns one restage directory tree: quota accounting, the
// state machine, restage/reload/GC flows, and change notification.
type Controller struct {
	cfg    config.RestageConfig
	root   string
	codec  Codec
	deps   Deps
	bard   *BARD
	policy ReloadPolicy
	mailer Mailer
	logger zerolog.Logger

	mu        sync.Mutex
	started   bool
	state     State
	dirs      map[string]*DirStats
	diskInUse uint64

	totalRestaged uint64
	totalReloaded uint64
	totalGCed     uint64

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewController builds a controller over the configured tree. The mailer
// may be nil; notifications are then dropped.
func NewController(root string, cfg config.RestageConfig, deps Deps, bard *BARD, mailer Mailer) *Controller {
	if mailer == nil {
		mailer = nullMailer{}
	}
	bard.SetThresholds(cfg.MinDiskSpace, cfg.MinQuotaAvail)
	c := &Controller{
		cfg:    cfg,
		root:   root,
		codec:  Codec{FieldSep: cfg.FieldSeparator, EIDSep: cfg.EIDFieldSeparator},
		deps:   deps,
		bard:   bard,
		policy: bard,
		mailer: mailer,
		logger: log.WithComponent("restage"),
		state:  Online,
		dirs:   make(map[string]*DirStats),
		stop:   make(chan struct{}),
	}
	return c
}

// volumeAvail returns the free bytes on the volume holding the tree.
func (c *Controller) volumeAvail() (uint64, bool) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(c.root, &st); err != nil {
		return 0, false
	}
	return st.Bavail * uint64(st.Bsize), true
}

// mustGoFull applies the ONLINE→FULL edge of the hysteresis for the given
// prospective usage.
func (c *Controller) mustGoFull(used uint64) bool {
	avail, ok := c.volumeAvail()
	return c.bard.DeclareFull(c.cfg.DiskQuota, used, avail, ok)
}

// mayGoOnline applies the FULL→ONLINE edge: the volume must clear
// min_disk_space and the quota must have recovered the min_quota_avail
// margin.
func (c *Controller) mayGoOnline() bool {
	avail, ok := c.volumeAvail()
	return c.bard.DeclareOnline(c.cfg.DiskQuota, c.DiskInUse(), avail, ok)
}

// State returns the current store state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DiskInUse returns the block-rounded disk usage.
func (c *Controller) DiskInUse() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diskInUse
}

// Totals returns (restaged, reloaded, collected) counters.
func (c *Controller) Totals() (uint64, uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRestaged, c.totalReloaded, c.totalGCed
}

// Dirs returns a snapshot of the per-directory statistics.
func (c *Controller) Dirs() map[string]DirStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]DirStats, len(c.dirs))
	for k, v := range c.dirs {
		out[k] = *v
	}
	return out
}

// Start scans the tree and launches the background sweepers. Further
// calls are no-ops.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("restage: %w", err)
	}
	if err := c.Rescan(); err != nil {
		return err
	}

	if c.cfg.MountPoint {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			c.logger.Warn().Err(err).Msg("mount watcher unavailable")
		} else if err := w.Add(c.root); err != nil {
			c.logger.Warn().Err(err).Msg("mount watch failed")
			w.Close()
		} else {
			c.watcher = w
		}
	}

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop halts the background sweepers.
func (c *Controller) Stop() {
	close(c.stop)
	if c.watcher != nil {
		c.watcher.Close()
	}
	c.wg.Wait()
}

func (c *Controller) run() {
	defer c.wg.Done()
	gc := time.NewTicker(gcInterval)
	defer gc.Stop()

	var reload <-chan time.Time
	if c.cfg.AutoReloadInterval > 0 {
		t := time.NewTicker(c.cfg.AutoReloadInterval)
		defer t.Stop()
		reload = t.C
	}

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if c.watcher != nil {
		watchEvents = make(chan fsnotify.Event)
		watchErrors = make(chan error)
		go func() {
			for ev := range c.watcher.Events {
				watchEvents <- ev
			}
		}()
		go func() {
			for err := range c.watcher.Errors {
				watchErrors <- err
			}
		}()
	}

	for {
		select {
		case <-gc.C:
			c.GC()
		case <-reload:
			if _, err := c.ReloadAll(); err != nil {
				c.logger.Error().Err(err).Msg("auto reload failed")
			}
		case ev := <-watchEvents:
			if ev.Name == c.root && ev.Has(fsnotify.Remove) {
				c.transition(Error, "mount point lost")
			}
		case err := <-watchErrors:
			if err != nil {
				c.logger.Error().Err(err).Msg("mount watcher error")
			}
		case <-c.stop:
			return
		}
	}
}

// transition moves the state machine, dispatching email notification on
// every change.
func (c *Controller) transition(to State, why string) {
	c.mu.Lock()
	from := c.state
	if from == to || from == Deleted {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	metrics.RestageState.Set(float64(to))
	c.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", why).
		Msg("restage state changed")

	if c.cfg.EmailEnabled {
		subject := fmt.Sprintf("dtnd restage storage %s", to)
		body := fmt.Sprintf("restage location %s transitioned %s -> %s: %s\n",
			c.root, from, to, why)
		if err := c.mailer.Notify(subject, body); err != nil {
			c.logger.Error().Err(err).Msg("notification dispatch failed")
		}
	}
}

// Rescan walks the tree and rebuilds the in-memory statistics.
// Unparseable files stay in place and are excluded from the stats.
func (c *Controller) Rescan() error {
	dirs := make(map[string]*DirStats)
	var disk uint64

	entries, err := os.ReadDir(c.root)
	if err != nil {
		c.transition(Error, "rescan failed: "+err.Error())
		return fmt.Errorf("restage: rescan: %w", err)
	}
	for _, dirEnt := range entries {
		if !dirEnt.IsDir() {
			continue
		}
		dirName := dirEnt.Name()
		files, err := os.ReadDir(filepath.Join(c.root, dirName))
		if err != nil {
			continue
		}
		stats := &DirStats{}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			rec, err := c.codec.Decode(f.Name())
			if err != nil {
				c.logger.Warn().Str("file", f.Name()).Err(err).Msg("unparseable restage file")
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			stats.Files++
			stats.Bytes += rec.PayloadLength
			stats.DiskUsage += blockUsage(uint64(info.Size()))
		}
		if stats.Files > 0 {
			dirs[dirName] = stats
			disk += stats.DiskUsage
		}
	}

	c.mu.Lock()
	c.dirs = dirs
	c.diskInUse = disk
	c.mu.Unlock()
	metrics.RestageDiskInUse.Set(float64(disk))

	switch {
	case c.mustGoFull(disk):
		c.transition(Full, "space exhausted at rescan")
	case c.State() == Full && c.mayGoOnline():
		c.transition(Online, "space available after rescan")
	}
	return nil
}

// Restage writes one bundle to its quota directory. The store must be
// ONLINE; FULL and ERROR states reject new restages.
func (c *Controller) Restage(b *bundle.Bundle, payload []byte) (string, error) {
	if st := c.State(); st != Online {
		return "", fmt.Errorf("restage: store is %s", st)
	}

	rec := RecordFor(b)
	data, err := bundle.EncodeEnvelope(b, payload)
	if err != nil {
		return "", err
	}

	usage := blockUsage(uint64(len(data)))
	if c.mustGoFull(c.DiskInUse() + usage) {
		c.transition(Full, "space exhausted")
		return "", fmt.Errorf("restage: space exhausted")
	}

	dirName := c.codec.QuotaDir(rec, c.cfg.PartOfPool)
	dir := filepath.Join(c.root, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.transition(Error, "mkdir failed: "+err.Error())
		return "", fmt.Errorf("restage: %w", err)
	}

	name := c.codec.Encode(rec)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		if isNoSpace(err) {
			c.transition(Full, "write hit ENOSPC")
		} else {
			c.transition(Error, "write failed: "+err.Error())
		}
		return "", fmt.Errorf("restage: write: %w", err)
	}

	c.mu.Lock()
	stats, ok := c.dirs[dirName]
	if !ok {
		stats = &DirStats{}
		c.dirs[dirName] = stats
	}
	stats.Files++
	stats.Bytes += rec.PayloadLength
	stats.DiskUsage += usage
	c.diskInUse += usage
	c.totalRestaged++
	disk := c.diskInUse
	c.mu.Unlock()

	c.bard.RecordUsage(dirName, int64(usage))
	metrics.RestagedBundles.Inc()
	metrics.RestageDiskInUse.Set(float64(disk))
	c.logger.Debug().Str("file", name).Str("dir", dirName).Msg("bundle restaged")
	return name, nil
}

// ReloadAll reloads every parseable file the policy accepts, reinjecting
// each bundle through the Input worker and deleting the file.
func (c *Controller) ReloadAll() (int, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return 0, fmt.Errorf("restage: reload: %w", err)
	}
	reloaded := 0
	for _, dirEnt := range entries {
		if !dirEnt.IsDir() {
			continue
		}
		n, err := c.reloadDir(dirEnt.Name())
		if err != nil {
			c.logger.Error().Err(err).Str("dir", dirEnt.Name()).Msg("reload failed")
			continue
		}
		reloaded += n
	}
	if c.State() == Full && c.mayGoOnline() {
		c.transition(Online, "space reclaimed by reload")
	}
	return reloaded, nil
}

func (c *Controller) reloadDir(dirName string) (int, error) {
	dir := filepath.Join(c.root, dirName)
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	reloaded := 0
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		rec, err := c.codec.Decode(f.Name())
		if err != nil {
			continue
		}
		decision := c.policy.Accept(rec)
		if !decision.Accept {
			continue
		}
		if err := c.reloadFile(dirName, f.Name(), rec, decision); err != nil {
			c.logger.Error().Err(err).Str("file", f.Name()).Msg("file reload failed")
			continue
		}
		reloaded++
	}
	return reloaded, nil
}

func (c *Controller) reloadFile(dirName, name string, rec *Record, decision Decision) error {
	path := filepath.Join(c.root, dirName, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	decoded, err := bundle.DecodeEnvelopes(data)
	if err != nil {
		return err
	}

	for _, db := range decoded {
		b := db.Bundle
		b.ID = 0
		b.InDatastore = false
		b.QueuedForDatastore = false
		if !decision.RewriteDest.IsNull() {
			b.Dest = decision.RewriteDest
		}
		if decision.MinTTL > 0 {
			now := bundle.DTNTimeNow()
			remaining := int64(b.ExpirationTime()) - int64(now)
			if remaining < int64(decision.MinTTL) {
				b.Lifetime = now - b.Creation.Seconds + decision.MinTTL
			}
		}
		payloadPath, err := c.deps.Payloads.CreateBytes(db.Payload)
		if err != nil {
			return err
		}
		b.PayloadFile = payloadPath
		b.PayloadLength = uint64(len(db.Payload))
		ref := c.deps.Bundles.Insert(b)
		c.deps.Dispatcher.Post(&events.BundleReceived{
			Ref:       ref,
			Source:    "restage",
			BytesRecv: b.PayloadLength,
		})
	}

	usage := blockUsage(uint64(len(data)))
	if err := os.Remove(path); err != nil {
		return err
	}
	c.forgetFile(dirName, rec, usage)

	c.mu.Lock()
	c.totalReloaded++
	c.mu.Unlock()
	metrics.ReloadedBundles.Inc()
	return nil
}

// forgetFile updates statistics after a file leaves the tree.
func (c *Controller) forgetFile(dirName string, rec *Record, usage uint64) {
	c.mu.Lock()
	if stats, ok := c.dirs[dirName]; ok {
		if stats.Files > 0 {
			stats.Files--
		}
		if stats.Bytes >= rec.PayloadLength {
			stats.Bytes -= rec.PayloadLength
		}
		if stats.DiskUsage >= usage {
			stats.DiskUsage -= usage
		}
		if stats.Files == 0 {
			delete(c.dirs, dirName)
		}
	}
	if c.diskInUse >= usage {
		c.diskInUse -= usage
	}
	disk := c.diskInUse
	c.mu.Unlock()
	c.bard.RecordUsage(dirName, -int64(usage))
	metrics.RestageDiskInUse.Set(float64(disk))
}

// GC deletes files whose retention days or bundle expiration have
// elapsed. Unparseable files are collected by file mtime retention only.
func (c *Controller) GC() int {
	retention := time.Duration(c.cfg.DaysRetention) * 24 * time.Hour
	now := time.Now()
	dtnNow := bundle.DTNTimeNow()
	removed := 0

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return 0
	}
	for _, dirEnt := range entries {
		if !dirEnt.IsDir() {
			continue
		}
		dirName := dirEnt.Name()
		dir := filepath.Join(c.root, dirName)
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			rec, decodeErr := c.codec.Decode(f.Name())

			doomed := false
			switch {
			case decodeErr != nil:
				doomed = retention > 0 && now.Sub(info.ModTime()) > retention
			case c.cfg.ExpireBundles && rec.ExpSecs <= dtnNow:
				doomed = true
			case retention > 0 && now.Sub(info.ModTime()) > retention:
				doomed = true
			}
			if !doomed {
				continue
			}
			if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
				c.logger.Error().Err(err).Str("file", f.Name()).Msg("gc remove failed")
				continue
			}
			removed++
			if decodeErr == nil {
				c.forgetFile(dirName, rec, blockUsage(uint64(info.Size())))
			}
		}
	}

	c.mu.Lock()
	c.totalGCed += uint64(removed)
	c.mu.Unlock()

	if removed > 0 && c.State() == Full && c.mayGoOnline() {
		c.transition(Online, "space reclaimed by gc")
	}
	return removed
}

// Delete marks the store deleted; it rejects all further work.
func (c *Controller) Delete() {
	c.transition(Deleted, "deleted by operator")
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
