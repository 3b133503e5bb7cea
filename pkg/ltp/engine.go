package ltp

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/timer"
)

// Engine owns the per-remote-engine nodes, the monotonic session-ID
// space, and the datagram dispatch task that routes raw UDP payloads to
// the owning node.
type Engine struct {
	localEngine uint64
	timers      *timer.Service
	logger      zerolog.Logger

	mu          sync.Mutex
	nextSID     uint64
	sessionMap  map[uint64]uint64 // session id -> remote engine id
	nodes       map[uint64]*Node  // remote engine id -> node
	unknownSeen map[uint64]bool   // engines already logged once

	conn net.PacketConn
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates an engine for the local engine ID.
func NewEngine(localEngine uint64, timers *timer.Service) *Engine {
	return &Engine{
		localEngine: localEngine,
		timers:      timers,
		logger:      log.WithComponent("ltp"),
		nextSID:     1,
		sessionMap:  make(map[uint64]uint64),
		nodes:       make(map[uint64]*Node),
		unknownSeen: make(map[uint64]bool),
		stop:        make(chan struct{}),
	}
}

// LocalEngineID returns the engine's own ID.
func (e *Engine) LocalEngineID() uint64 { return e.localEngine }

// RegisterNode installs the node for a remote engine.
func (e *Engine) RegisterNode(n *Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.nodes[n.remoteEngine]; ok {
		return fmt.Errorf("ltp: node for engine %d already registered", n.remoteEngine)
	}
	e.nodes[n.remoteEngine] = n
	return nil
}

// UnregisterNode removes and shuts down the node for a remote engine.
func (e *Engine) UnregisterNode(remoteEngine uint64) {
	e.mu.Lock()
	n, ok := e.nodes[remoteEngine]
	if ok {
		delete(e.nodes, remoteEngine)
	}
	e.mu.Unlock()
	if ok {
		n.Shutdown()
	}
}

// Node returns the node for a remote engine.
func (e *Engine) Node(remoteEngine uint64) (*Node, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[remoteEngine]
	return n, ok
}

// nextSessionID assigns a monotonic session ID.
func (e *Engine) nextSessionID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	sid := e.nextSID
	e.nextSID++
	return sid
}

// registerSession binds a session ID to the remote engine it is talking
// to, so inbound reports directed at the local engine find their sender.
func (e *Engine) registerSession(sessionID, remoteEngine uint64) {
	e.mu.Lock()
	e.sessionMap[sessionID] = remoteEngine
	e.mu.Unlock()
}

// unregisterSession drops the binding after closeout.
func (e *Engine) unregisterSession(sessionID uint64) {
	e.mu.Lock()
	delete(e.sessionMap, sessionID)
	e.mu.Unlock()
}

// Listen binds the UDP socket and starts the datagram dispatch task.
func (e *Engine) Listen(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("ltp: listen %s: %w", addr, err)
	}
	e.conn = conn
	e.wg.Add(1)
	go e.recvLoop()
	e.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("ltp engine listening")
	return nil
}

// Shutdown stops the dispatcher and every node.
func (e *Engine) Shutdown() {
	close(e.stop)
	if e.conn != nil {
		e.conn.Close()
	}
	e.wg.Wait()

	e.mu.Lock()
	nodes := make([]*Node, 0, len(e.nodes))
	for _, n := range e.nodes {
		nodes = append(nodes, n)
	}
	e.nodes = map[uint64]*Node{}
	e.mu.Unlock()
	for _, n := range nodes {
		n.Shutdown()
	}
}

// recvLoop is the datagram dispatch task: it parses only the header and
// forwards the raw payload to the owning node.
func (e *Engine) recvLoop() {
	defer e.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, _, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
				e.logger.Error().Err(err).Msg("udp read failed")
				continue
			}
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		e.DispatchDatagram(raw)
	}
}

// DispatchDatagram routes one raw datagram by its LTP header. Unknown
// engine IDs are logged once and dropped.
func (e *Engine) DispatchDatagram(raw []byte) {
	_, key, err := DecodeHeader(raw)
	if err != nil {
		e.logger.Warn().Err(err).Msg("dropping unparseable datagram")
		return
	}

	remote := key.EngineID
	if key.EngineID == e.localEngine {
		// A segment about one of our own sessions: resolve the sender
		// node through the session map.
		e.mu.Lock()
		mapped, ok := e.sessionMap[key.SessionID]
		e.mu.Unlock()
		if !ok {
			e.logger.Debug().
				Uint64("session_id", key.SessionID).
				Msg("segment for unknown local session")
			return
		}
		remote = mapped
	}

	e.mu.Lock()
	node, ok := e.nodes[remote]
	if !ok && !e.unknownSeen[remote] {
		e.unknownSeen[remote] = true
		e.mu.Unlock()
		e.logger.Warn().Uint64("engine_id", remote).Msg("segment from unknown engine")
		return
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	node.HandleDatagram(raw)
}
