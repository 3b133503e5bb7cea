package ltp

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/link"
	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/storage"
)

// CLName is the convergence layer identifier.
const CLName = "ltp"

// Deps are the daemon collaborators the convergence layer needs.
type Deps struct {
	Dispatcher *events.Dispatcher
	Bundles    *bundle.Store
	Payloads   *storage.PayloadStore
}

// ConvergenceLayer drives LTP over UDP for the daemon's links.
type ConvergenceLayer struct {
	engine *Engine
	params Params
	deps   Deps
	logger zerolog.Logger

	mu        sync.Mutex
	linkNodes map[string]*Node  // link name -> node
	nodeLinks map[uint64]string // remote engine -> link name
}

// NewConvergenceLayer builds the CL around an engine.
func NewConvergenceLayer(engine *Engine, params Params, deps Deps) *ConvergenceLayer {
	return &ConvergenceLayer{
		engine:    engine,
		params:    params,
		deps:      deps,
		logger:    log.WithComponent("ltp-cl"),
		linkNodes: make(map[string]*Node),
		nodeLinks: make(map[uint64]string),
	}
}

// Name implements link.ConvergenceLayer.
func (cl *ConvergenceLayer) Name() string { return CLName }

// InterfaceUp binds the engine's UDP socket. A zero local port is a
// configuration error.
func (cl *ConvergenceLayer) InterfaceUp(name string, params map[string]string) error {
	addr := params["local_addr"]
	if addr == "" {
		addr = ":1113"
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "0" || port == "" {
		return fmt.Errorf("ltp: interface %s: invalid local addr %q", name, addr)
	}
	return cl.engine.Listen(addr)
}

// InterfaceDown is handled by engine shutdown.
func (cl *ConvergenceLayer) InterfaceDown(string) error { return nil }

// InitLink creates the per-remote-engine node for a link. The
// remote_engine_id parameter is mandatory.
func (cl *ConvergenceLayer) InitLink(l *link.Link, params map[string]string) error {
	engStr := params["remote_engine_id"]
	if engStr == "" {
		return fmt.Errorf("ltp: link %s: missing remote_engine_id", l.Name)
	}
	remoteEngine, err := strconv.ParseUint(engStr, 10, 64)
	if err != nil {
		return fmt.Errorf("ltp: link %s: bad remote_engine_id %q", l.Name, engStr)
	}

	raddr, err := net.ResolveUDPAddr("udp", l.NextHop)
	if err != nil {
		return fmt.Errorf("ltp: link %s: next hop %q: %w", l.Name, l.NextHop, err)
	}

	p := cl.params
	if v := params["rate"]; v != "" {
		if rate, err := strconv.ParseUint(v, 10, 64); err == nil {
			p.Rate = rate
		}
	}

	var cipherOut, cipherIn Cipher = NullCipher{}, NullCipher{}
	if v := params["cipher_suite"]; v != "" {
		suite, err := strconv.Atoi(v)
		if err != nil || (suite != 0 && suite != 1 && suite != 255) {
			return fmt.Errorf("ltp: link %s: unrecognized cipher suite %q", l.Name, v)
		}
		keyID, _ := strconv.ParseUint(params["cipher_key_id"], 10, 64)
		key := []byte(params["cipher_key"])
		cipherOut = NewHMACCipher(suite, keyID, key)
		cipherIn = NewHMACCipher(suite, keyID, key)
	}

	node := NewNode(cl.engine.LocalEngineID(), remoteEngine, p,
		&udpSink{engine: cl.engine, addr: raddr},
		cl.engine.timers, cl.engine, cipherOut, cipherIn, Callbacks{
			BlockReceived: cl.blockReceived,
			SessionDone: func(refs []bundle.Ref, size uint64, success bool) {
				cl.sessionDone(l.Name, refs, size, success)
			},
		})
	if err := cl.engine.RegisterNode(node); err != nil {
		return err
	}

	cl.mu.Lock()
	cl.linkNodes[l.Name] = node
	cl.nodeLinks[remoteEngine] = l.Name
	cl.mu.Unlock()
	return nil
}

// DeleteLink tears the node down.
func (cl *ConvergenceLayer) DeleteLink(l *link.Link) {
	cl.mu.Lock()
	node, ok := cl.linkNodes[l.Name]
	if ok {
		delete(cl.linkNodes, l.Name)
		delete(cl.nodeLinks, node.remoteEngine)
	}
	cl.mu.Unlock()
	if ok {
		cl.engine.UnregisterNode(node.remoteEngine)
	}
}

// ReconfigureLink applies the reconfigurable link options.
func (cl *ConvergenceLayer) ReconfigureLink(l *link.Link, params map[string]string) error {
	cl.mu.Lock()
	node, ok := cl.linkNodes[l.Name]
	cl.mu.Unlock()
	if !ok {
		return fmt.Errorf("ltp: link %s not initialized", l.Name)
	}
	if v := params["rate"]; v != "" {
		rate, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ltp: link %s: bad rate %q", l.Name, v)
		}
		depth, _ := strconv.ParseUint(params["bucket_depth"], 10, 64)
		node.bucket.SetRate(rate, depth)
	}
	return nil
}

// DumpLink renders link diagnostics.
func (cl *ConvergenceLayer) DumpLink(l *link.Link) string {
	cl.mu.Lock()
	node, ok := cl.linkNodes[l.Name]
	cl.mu.Unlock()
	if !ok {
		return "uninitialized"
	}
	s := node.SenderStats()
	r := node.ReceiverStats()
	return fmt.Sprintf(
		"remote_engine=%d sessions=%d ds_sent=%d ds_resends=%d rs_generated=%d cancels_by_rcvr=%d",
		node.remoteEngine, s.TotalSessions, s.TotalSntDs, s.DsSegmentResends,
		r.TotalRsSegsGenerated, r.CancelByRcvrSessions)
}

// OpenContact reports the contact up immediately: LTP links are datagram
// links with no connection handshake.
func (cl *ConvergenceLayer) OpenContact(c *link.Contact, l *link.Link) error {
	cl.deps.Dispatcher.Post(&events.ContactUp{Link: l.Name})
	return nil
}

// CloseContact reports the contact down.
func (cl *ConvergenceLayer) CloseContact(c *link.Contact, l *link.Link) error {
	cl.deps.Dispatcher.Post(&events.ContactDown{Link: l.Name, Reason: "closed"})
	return nil
}

// BundleQueued drains the link queue into the node's loading session.
func (cl *ConvergenceLayer) BundleQueued(l *link.Link, _ bundle.Ref) {
	cl.mu.Lock()
	node, ok := cl.linkNodes[l.Name]
	cl.mu.Unlock()
	if !ok {
		return
	}
	for {
		ref, ok := l.Dequeue()
		if !ok {
			return
		}
		b := ref.Bundle()
		payload, err := cl.deps.Payloads.Read(b.PayloadFile)
		if err != nil {
			cl.logger.Error().Err(err).Uint64("bundle_id", b.ID).Msg("payload read failed")
			cl.postTransmitted(l.Name, ref, 0, false)
			continue
		}
		if b.Expired() {
			node.mu.Lock()
			node.sstats.BundlesExpiredInQueue++
			node.mu.Unlock()
			cl.postTransmitted(l.Name, ref, 0, false)
			continue
		}
		envelope, err := EncodeEnvelope(b, payload)
		if err != nil {
			cl.logger.Error().Err(err).Uint64("bundle_id", b.ID).Msg("envelope encode failed")
			cl.postTransmitted(l.Name, ref, 0, false)
			continue
		}
		node.EnqueueBundle(ref, envelope, b.ECOSStreaming)
	}
}

// ListLinkOpts enumerates the CL-specific link options.
func (cl *ConvergenceLayer) ListLinkOpts() []string {
	return []string{
		"remote_engine_id", "rate", "bucket_type", "bucket_depth",
		"cipher_suite", "cipher_key_id", "cipher_key",
	}
}

// ListInterfaceOpts enumerates the CL-specific interface options.
func (cl *ConvergenceLayer) ListInterfaceOpts() []string {
	return []string{"local_addr"}
}

// Shutdown stops the engine and every node.
func (cl *ConvergenceLayer) Shutdown() {
	cl.engine.Shutdown()
}

// sessionDone posts one transmission outcome per bundle of a closed
// session.
func (cl *ConvergenceLayer) sessionDone(linkName string, refs []bundle.Ref, size uint64, success bool) {
	per := uint64(0)
	if len(refs) > 0 {
		per = size / uint64(len(refs))
	}
	for _, ref := range refs {
		cl.postTransmitted(linkName, ref, per, success)
	}
}

func (cl *ConvergenceLayer) postTransmitted(linkName string, ref bundle.Ref, bytes uint64, success bool) {
	cl.deps.Dispatcher.Post(&events.BundleTransmitted{
		Ref:       ref,
		Link:      linkName,
		BytesSent: bytes,
		Reliably:  true,
		Success:   success,
	})
}

// blockReceived splits a completed block into bundles and hands each to
// the Input worker.
func (cl *ConvergenceLayer) blockReceived(remoteEngine uint64, block []byte, red bool) {
	cl.mu.Lock()
	linkName := cl.nodeLinks[remoteEngine]
	cl.mu.Unlock()

	decoded, err := DecodeEnvelopes(block)
	if err != nil {
		cl.logger.Error().Err(err).
			Uint64("remote_engine", remoteEngine).
			Bool("red", red).
			Msg("block extraction failed")
		return
	}
	for _, db := range decoded {
		b := db.Bundle
		b.ID = 0 // local IDs are assigned by the receiving store
		b.InDatastore = false
		b.QueuedForDatastore = false
		b.LocalCustody = false
		b.CustodyID = 0
		path, err := cl.deps.Payloads.CreateBytes(db.Payload)
		if err != nil {
			cl.logger.Error().Err(err).Msg("payload spool failed")
			continue
		}
		b.PayloadFile = path
		b.PayloadLength = uint64(len(db.Payload))
		ref := cl.deps.Bundles.Insert(b)
		cl.deps.Dispatcher.Post(&events.BundleReceived{
			Ref:       ref,
			Link:      linkName,
			Source:    "cl",
			BytesRecv: uint64(len(db.Payload)),
		})
	}
}

// udpSink writes encoded segments to one remote address through the
// engine's socket.
type udpSink struct {
	engine *Engine
	addr   *net.UDPAddr
}

func (s *udpSink) SendSegment(raw []byte) error {
	if s.engine.conn == nil {
		return fmt.Errorf("ltp: socket not bound")
	}
	_, err := s.engine.conn.WriteTo(raw, s.addr)
	return err
}
