package ltp

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/metrics"
	"github.com/kestrelworks/dtnd/pkg/timer"
)

// SegmentSink carries encoded segments toward one remote engine.
type SegmentSink interface {
	SendSegment(raw []byte) error
}

// Callbacks are the node's upcalls into its convergence layer.
type Callbacks struct {
	// BlockReceived delivers a completed inbound block (red) or one green
	// segment's data.
	BlockReceived func(remoteEngine uint64, data []byte, red bool)
	// SessionDone reports the outcome for every bundle of a closed
	// outbound session.
	SessionDone func(refs []bundle.Ref, size uint64, success bool)
}

type closedSession struct {
	size      uint64
	cancelled bool
}

// Node is the send/receive pair for one remote engine.
type Node struct {
	localEngine  uint64
	remoteEngine uint64
	params       Params
	sink         SegmentSink
	timers       *timer.Service
	engine       *Engine
	cipherOut    Cipher
	cipherIn     Cipher
	bucket       *TokenBucket
	cb           Callbacks
	logger       zerolog.Logger

	mu           sync.Mutex
	loading      *sendSession
	sendSessions map[uint64]*sendSession
	recvSessions map[SessionKey]*recvSession
	closedRecv   map[SessionKey]closedSession
	queuedBytes  uint64
	shuttingDown bool

	sstats SenderStats
	rstats ReceiverStats
}

// NewNode creates the node for one remote engine.
func NewNode(localEngine, remoteEngine uint64, params Params, sink SegmentSink,
	timers *timer.Service, engine *Engine, cipherOut, cipherIn Cipher, cb Callbacks) *Node {
	if cipherOut == nil {
		cipherOut = NullCipher{}
	}
	if cipherIn == nil {
		cipherIn = NullCipher{}
	}
	return &Node{
		localEngine:  localEngine,
		remoteEngine: remoteEngine,
		params:       params,
		sink:         sink,
		timers:       timers,
		engine:       engine,
		cipherOut:    cipherOut,
		cipherIn:     cipherIn,
		bucket:       NewTokenBucket(params.Rate, params.BucketDepth, params.BucketType),
		cb:           cb,
		logger: log.WithComponent("ltp").With().
			Uint64("remote_engine", remoteEngine).Logger(),
		sendSessions: make(map[uint64]*sendSession),
		recvSessions: make(map[SessionKey]*recvSession),
		closedRecv:   make(map[SessionKey]closedSession),
	}
}

// SenderStats returns a snapshot of the sender counters.
func (n *Node) SenderStats() SenderStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sstats
}

// ReceiverStats returns a snapshot of the receiver counters.
func (n *Node) ReceiverStats() ReceiverStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rstats
}

// Shutdown cancels every open session without generating traffic.
func (n *Node) Shutdown() {
	n.mu.Lock()
	n.shuttingDown = true
	var doomed [][]bundle.Ref
	for _, sess := range n.sendSessions {
		doomed = append(doomed, sess.cleanup(false))
	}
	if n.loading != nil {
		doomed = append(doomed, n.loading.cleanup(false))
		n.loading = nil
	}
	n.sendSessions = map[uint64]*sendSession{}
	for _, sess := range n.recvSessions {
		sess.cleanup()
	}
	n.recvSessions = map[SessionKey]*recvSession{}
	n.mu.Unlock()

	for _, refs := range doomed {
		if n.cb.SessionDone != nil {
			n.cb.SessionDone(refs, 0, false)
		}
	}
}

// transmit pushes raw segments through the token bucket to the sink.
func (n *Node) transmit(raws [][]byte) {
	for _, raw := range raws {
		n.bucket.Wait(len(raw))
		if err := n.sink.SendSegment(raw); err != nil {
			n.logger.Error().Err(err).Msg("segment send failed")
		}
	}
}

// HandleDatagram decodes one raw datagram for this node and dispatches it
// to the sender or receiver side by type.
func (n *Node) HandleDatagram(raw []byte) {
	seg, err := Decode(raw, n.cipherIn)
	if err != nil {
		n.logger.Warn().Err(err).Msg("dropping undecodable segment")
		return
	}
	metrics.LTPSegmentsReceived.WithLabelValues(seg.Type.String()).Inc()
	switch {
	case seg.Type.IsData():
		n.handleData(seg)
	case seg.Type == SegReport:
		n.handleReport(seg)
	case seg.Type == SegReportAck:
		n.handleReportAck(seg)
	case seg.Type == SegCancelBySender:
		n.handleCancelBySender(seg)
	case seg.Type == SegCancelAckToSender:
		n.handleSenderCancelAck(seg)
	case seg.Type == SegCancelByReceiver:
		n.handleCancelByReceiver(seg)
	case seg.Type == SegCancelAckToReceiver:
		n.handleReceiverCancelAck(seg)
	}
}

func (n *Node) send(seg *Segment) []byte {
	raw := seg.Encode(n.cipherOut)
	metrics.LTPSegmentsSent.WithLabelValues(seg.Type.String()).Inc()
	return raw
}

// sessionGauges refreshes the sessions-by-state metrics.
func (n *Node) sessionGaugesLocked() {
	var ds, rs, cs int
	for _, s := range n.recvSessions {
		switch s.state {
		case StateDS:
			ds++
		case StateRS:
			rs++
		case StateCS:
			cs++
		}
	}
	metrics.LTPSessions.WithLabelValues("recv", "ds").Set(float64(ds))
	metrics.LTPSessions.WithLabelValues("recv", "rs").Set(float64(rs))
	metrics.LTPSessions.WithLabelValues("recv", "cs").Set(float64(cs))
	metrics.LTPSessions.WithLabelValues("send", "ds").Set(float64(len(n.sendSessions)))
}

// touchInactivityLocked re-arms the per-session inactivity timer.
func (n *Node) touchInactivityLocked(sess *recvSession) {
	sess.lastPacket = time.Now()
	if sess.inactivity != nil {
		sess.inactivity.Cancel()
	}
	key := sess.key
	sess.inactivity = n.timers.ScheduleIn(n.params.InactivityIntvl, func() {
		n.inactivityExpired(key)
	})
}
