package ltp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/timer"
)

// SessionState tracks which segment class last drove the session.
type SessionState int

const (
	StateDS SessionState = iota
	StateRS
	StateCS
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDS:
		return "DS"
	case StateRS:
		return "RS"
	case StateCS:
		return "CS"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// diskBackedThreshold is the session size at which data moves to a file
// when file-backed sessions are enabled.
const diskBackedThreshold = 10 * 1024 * 1024

// sendSession is one outbound session: the block under transmission and
// the unacknowledged segments awaiting report claims.
type sendSession struct {
	key   SessionKey
	state SessionState

	mu sync.Mutex

	// Bundles aggregated into the block, released on completion.
	bundles []bundle.Ref

	// Block bytes, in memory or spooled to a file.
	block    []byte
	file     *os.File
	filePath string
	size     uint64
	redLen   uint64 // red prefix length; rest is green

	// Unacked red segments keyed by offset.
	unacked map[uint64]*Segment

	nextCheckpointID uint64
	checkpoints      map[uint64]*timer.Timer // checkpoint id -> retransmit timer
	cpRetries        map[uint64]uint32
	hadResends       bool

	cancelTimer   *timer.Timer
	cancelRetries uint32
	cancelled     bool
	cancelReason  CancelReason

	created      time.Time
	loadingTimer *timer.Timer // agg-time deadline while loading
}

func newSendSession(key SessionKey) *sendSession {
	return &sendSession{
		key:              key,
		state:            StateDS,
		unacked:          make(map[uint64]*Segment),
		checkpoints:      make(map[uint64]*timer.Timer),
		cpRetries:        make(map[uint64]uint32),
		nextCheckpointID: 1,
		created:          time.Now(),
	}
}

// appendBundle adds a serialized bundle envelope to the loading block,
// spooling to disk when enabled and the session crosses the threshold.
func (s *sendSession) appendBundle(ref bundle.Ref, envelope []byte, useFiles bool, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles = append(s.bundles, ref)

	if s.file == nil && useFiles && s.size+uint64(len(envelope)) >= diskBackedThreshold {
		if err := s.spoolToFileLocked(dir); err != nil {
			return err
		}
	}
	if s.file != nil {
		if _, err := s.file.Write(envelope); err != nil {
			return fmt.Errorf("ltp: session spool write: %w", err)
		}
	} else {
		s.block = append(s.block, envelope...)
	}
	s.size += uint64(len(envelope))
	s.redLen = s.size
	return nil
}

func (s *sendSession) spoolToFileLocked(dir string) error {
	path := filepath.Join(dir, "ltp-"+uuid.New().String()+".blk")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("ltp: session spool create: %w", err)
	}
	if len(s.block) > 0 {
		if _, err := f.Write(s.block); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("ltp: session spool migrate: %w", err)
		}
		s.block = nil
	}
	s.file = f
	s.filePath = path
	return nil
}

// blockRange reads [offset, offset+length) of the block.
func (s *sendSession) blockRange(offset, length uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		buf := make([]byte, length)
		if _, err := s.file.ReadAt(buf, int64(offset)); err != nil {
			return nil, fmt.Errorf("ltp: session spool read: %w", err)
		}
		return buf, nil
	}
	if offset+length > uint64(len(s.block)) {
		return nil, fmt.Errorf("ltp: block range [%d:%d) out of bounds", offset, offset+length)
	}
	return s.block[offset : offset+length], nil
}

// cleanup releases the spool file, timers, and bundle references.
func (s *sendSession) cleanup(releaseBundles bool) []bundle.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.checkpoints {
		t.Cancel()
	}
	s.checkpoints = map[uint64]*timer.Timer{}
	if s.cancelTimer != nil {
		s.cancelTimer.Cancel()
		s.cancelTimer = nil
	}
	if s.loadingTimer != nil {
		s.loadingTimer.Cancel()
		s.loadingTimer = nil
	}
	if s.file != nil {
		s.file.Close()
		os.Remove(s.filePath)
		s.file = nil
	}
	refs := s.bundles
	s.bundles = nil
	if !releaseBundles {
		return refs
	}
	for i := range refs {
		refs[i].Release()
	}
	return nil
}

// recvSegment is one accepted red or green data range.
type recvSegment struct {
	offset uint64
	data   []byte
}

// recvSession is one inbound session: the red segment map, checkpoint
// bookkeeping, and report state.
type recvSession struct {
	key   SessionKey
	state SessionState

	mu sync.Mutex

	red   map[uint64]recvSegment // keyed by offset
	green []recvSegment

	redBytes  uint64 // unique red bytes received
	expected  uint64 // total red length, known at EORP
	eorpSeen  bool
	eobSeen   bool
	sawGreen  bool
	sawRed    bool
	delivered bool
	cancelled bool

	nextReportSerial uint64
	reports          map[uint64]*Segment     // serial -> generated RS
	reportTimers     map[uint64]*timer.Timer // serial -> retransmit timer
	reportRetries    map[uint64]uint32

	cancelTimer   *timer.Timer
	cancelRetries uint32

	inactivity *timer.Timer
	lastPacket time.Time

	created time.Time
}

func newRecvSession(key SessionKey) *recvSession {
	return &recvSession{
		key:              key,
		state:            StateDS,
		red:              make(map[uint64]recvSegment),
		nextReportSerial: 1,
		reports:          make(map[uint64]*Segment),
		reportTimers:     make(map[uint64]*timer.Timer),
		reportRetries:    make(map[uint64]uint32),
		created:          time.Now(),
		lastPacket:       time.Now(),
	}
}

// insertRed adds a red segment, detecting duplicates and overlaps.
// Returns (added bytes, duplicate).
func (s *recvSession) insertRed(offset uint64, data []byte) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.red[offset]; ok && uint64(len(existing.data)) >= uint64(len(data)) {
		return 0, true
	}
	// Overlap with a neighbor is treated as a duplicate retransmission of
	// covered data; only whole-segment duplicates are common in practice.
	for off, seg := range s.red {
		if off == offset {
			continue
		}
		if offset < off+uint64(len(seg.data)) && off < offset+uint64(len(data)) {
			return 0, true
		}
	}
	s.red[offset] = recvSegment{offset: offset, data: data}
	s.redBytes += uint64(len(data))
	return uint64(len(data)), false
}

// redComplete reports whether red data covers [0, expected) contiguously
// and end-of-block has been seen.
func (s *recvSession) redComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redCompleteLocked()
}

func (s *recvSession) redCompleteLocked() bool {
	if !s.eorpSeen || !s.eobSeen {
		return false
	}
	return s.contiguousLocked() == s.expected && s.redBytes == s.expected
}

// contiguousLocked returns the length of the contiguous prefix of red
// data starting at offset 0.
func (s *recvSession) contiguousLocked() uint64 {
	offsets := make([]uint64, 0, len(s.red))
	for off := range s.red {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	var end uint64
	for _, off := range offsets {
		if off > end {
			break
		}
		segEnd := off + uint64(len(s.red[off].data))
		if segEnd > end {
			end = segEnd
		}
	}
	return end
}

// claims builds the reception claims over [lower, upper).
func (s *recvSession) claims(lower, upper uint64) []ReportClaim {
	s.mu.Lock()
	defer s.mu.Unlock()
	offsets := make([]uint64, 0, len(s.red))
	for off := range s.red {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var out []ReportClaim
	var curStart, curEnd uint64
	active := false
	for _, off := range offsets {
		segEnd := off + uint64(len(s.red[off].data))
		if segEnd <= lower || off >= upper {
			continue
		}
		start := max64(off, lower)
		end := min64(segEnd, upper)
		switch {
		case !active:
			curStart, curEnd, active = start, end, true
		case start <= curEnd:
			if end > curEnd {
				curEnd = end
			}
		default:
			out = append(out, ReportClaim{Offset: curStart - lower, Length: curEnd - curStart})
			curStart, curEnd = start, end
		}
	}
	if active {
		out = append(out, ReportClaim{Offset: curStart - lower, Length: curEnd - curStart})
	}
	return out
}

// assemble concatenates the contiguous red block.
func (s *recvSession) assemble() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.expected)
	for off, seg := range s.red {
		copy(out[off:], seg.data)
	}
	return out
}

// cleanup cancels every session timer.
func (s *recvSession) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.reportTimers {
		t.Cancel()
	}
	s.reportTimers = map[uint64]*timer.Timer{}
	if s.cancelTimer != nil {
		s.cancelTimer.Cancel()
		s.cancelTimer = nil
	}
	if s.inactivity != nil {
		s.inactivity.Cancel()
		s.inactivity = nil
	}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
