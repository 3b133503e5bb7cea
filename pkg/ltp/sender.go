package ltp

import (
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/metrics"
)

// EnqueueBundle adds a serialized bundle envelope to the current loading
// session. Green (best-effort) envelopes dispatch immediately; red
// sessions close when they reach agg_size or their agg_time deadline.
func (n *Node) EnqueueBundle(ref bundle.Ref, envelope []byte, green bool) {
	n.mu.Lock()
	if n.shuttingDown {
		n.mu.Unlock()
		ref.Release()
		return
	}

	if green {
		sess := n.newSendSessionLocked()
		if sess == nil {
			n.mu.Unlock()
			n.sessionDone([]bundle.Ref{ref}, 0, false)
			return
		}
		if err := sess.appendBundle(ref, envelope, false, n.params.DirPath); err != nil {
			n.logger.Error().Err(err).Msg("green session load failed")
			delete(n.sendSessions, sess.key.SessionID)
			n.engine.unregisterSession(sess.key.SessionID)
			n.mu.Unlock()
			n.sessionDone([]bundle.Ref{ref}, 0, false)
			return
		}
		sess.redLen = 0
		raws := n.dispatchGreenLocked(sess)
		n.mu.Unlock()
		n.transmit(raws)
		return
	}

	if n.loading == nil {
		sess := n.newSendSessionLocked()
		if sess == nil {
			n.mu.Unlock()
			n.sessionDone([]bundle.Ref{ref}, 0, false)
			return
		}
		n.loading = sess
		sid := sess.key.SessionID
		sess.loadingTimer = n.timers.ScheduleIn(n.params.AggTime, func() {
			n.aggTimeExpired(sid)
		})
	}

	sess := n.loading
	if err := sess.appendBundle(ref, envelope, n.params.UseFilesXmit, n.params.DirPath); err != nil {
		n.logger.Error().Err(err).Msg("session load failed")
		n.mu.Unlock()
		return
	}

	var raws [][]byte
	if sess.size >= n.params.AggSize {
		raws = n.dispatchLoadingLocked()
	}
	n.mu.Unlock()
	n.transmit(raws)
}

// newSendSessionLocked allocates a session against the max-sessions cap.
func (n *Node) newSendSessionLocked() *sendSession {
	if uint32(len(n.sendSessions)) >= n.params.MaxSessions {
		n.logger.Warn().Msg("send session limit reached")
		return nil
	}
	sid := n.engine.nextSessionID()
	n.engine.registerSession(sid, n.remoteEngine)
	sess := newSendSession(SessionKey{EngineID: n.localEngine, SessionID: sid})
	n.sendSessions[sid] = sess
	n.sstats.TotalSessions++
	n.sessionGaugesLocked()
	return sess
}

// aggTimeExpired closes the loading session on its aggregation deadline.
func (n *Node) aggTimeExpired(sessionID uint64) {
	n.mu.Lock()
	var raws [][]byte
	if n.loading != nil && n.loading.key.SessionID == sessionID {
		raws = n.dispatchLoadingLocked()
	}
	n.mu.Unlock()
	n.transmit(raws)
}

// dispatchLoadingLocked seals the loading session and generates its red
// data segments.
func (n *Node) dispatchLoadingLocked() [][]byte {
	sess := n.loading
	if sess == nil || sess.size == 0 {
		return nil
	}
	n.loading = nil
	if sess.loadingTimer != nil {
		sess.loadingTimer.Cancel()
		sess.loadingTimer = nil
	}
	return n.sendRedRangeLocked(sess, 0, sess.redLen, 0)
}

// dispatchGreenLocked emits a whole green session immediately.
func (n *Node) dispatchGreenLocked(sess *sendSession) [][]byte {
	var raws [][]byte
	segSize := uint64(n.params.SegSize)
	for off := uint64(0); off < sess.size; off += segSize {
		end := min64(off+segSize, sess.size)
		data, err := sess.blockRange(off, end-off)
		if err != nil {
			n.logger.Error().Err(err).Msg("green block read failed")
			break
		}
		typ := SegGreenData
		if end == sess.size {
			typ = SegGreenDataEOB
		}
		seg := &Segment{
			Type:      typ,
			EngineID:  sess.key.EngineID,
			SessionID: sess.key.SessionID,
			Offset:    off,
			Data:      data,
		}
		raws = append(raws, n.send(seg))
		n.sstats.TotalSntDs++
	}
	// Green has no reports: the session completes at dispatch.
	refs := sess.cleanup(false)
	size := sess.size
	delete(n.sendSessions, sess.key.SessionID)
	n.engine.unregisterSession(sess.key.SessionID)
	n.sstats.BundlesSuccess += uint64(len(refs))
	go n.sessionDone(refs, size, true)
	return raws
}

// sendRedRangeLocked segments [start, end) of the red part. A resend ties
// its new checkpoint to reportSerial; an original pass uses serial zero.
// The final segment of the block carries EORP+EOB; additional checkpoints
// are placed every BytesPerCheckpoint bytes when configured.
func (n *Node) sendRedRangeLocked(sess *sendSession, start, end uint64, reportSerial uint64) [][]byte {
	var raws [][]byte
	segSize := uint64(n.params.SegSize)
	var sinceCheckpoint uint64

	for off := start; off < end; off += segSize {
		segEnd := min64(off+segSize, end)
		data, err := sess.blockRange(off, segEnd-off)
		if err != nil {
			n.logger.Error().Err(err).Msg("block read failed")
			break
		}
		last := segEnd == end
		atBlockEnd := segEnd == sess.redLen
		sinceCheckpoint += segEnd - off

		typ := SegRedData
		checkpoint := false
		switch {
		case last && atBlockEnd:
			typ = SegRedDataCPEORPEOB
			checkpoint = true
		case last:
			typ = SegRedDataCP
			checkpoint = true
		case n.params.BytesPerCheckpoint > 0 && sinceCheckpoint >= n.params.BytesPerCheckpoint:
			typ = SegRedDataCP
			checkpoint = true
			sinceCheckpoint = 0
		}

		seg := &Segment{
			Type:      typ,
			EngineID:  sess.key.EngineID,
			SessionID: sess.key.SessionID,
			Offset:    off,
			Data:      data,
		}
		if checkpoint {
			seg.CheckpointID = sess.nextCheckpointID
			seg.ReportSerial = reportSerial
			sess.nextCheckpointID++
			n.armCheckpointLocked(sess, seg)
		}
		sess.unacked[off] = seg
		raws = append(raws, n.send(seg))
		n.sstats.TotalSntDs++
		if reportSerial != 0 {
			n.sstats.DsSegmentResends++
		}
	}
	if reportSerial != 0 && !sess.hadResends {
		sess.hadResends = true
		n.sstats.DsSessionsWithResends++
	}
	return raws
}

// armCheckpointLocked schedules the checkpoint retransmission timer.
func (n *Node) armCheckpointLocked(sess *sendSession, seg *Segment) {
	sid := sess.key.SessionID
	cpID := seg.CheckpointID
	sess.checkpoints[cpID] = n.timers.ScheduleIn(n.params.RetranIntvl, func() {
		n.checkpointExpired(sid, cpID)
	})
}

// checkpointExpired retransmits an unacknowledged checkpoint segment, or
// cancels the session when retries exhaust.
func (n *Node) checkpointExpired(sessionID, checkpointID uint64) {
	n.mu.Lock()
	sess, ok := n.sendSessions[sessionID]
	if !ok || sess.cancelled {
		n.mu.Unlock()
		return
	}
	delete(sess.checkpoints, checkpointID)

	retries := sess.cpRetries[checkpointID]
	if retries >= n.params.RetranRetries {
		raws := n.startCancelBySenderLocked(sess, CancelRLEXC)
		n.mu.Unlock()
		n.transmit(raws)
		return
	}
	sess.cpRetries[checkpointID] = retries + 1

	// Find and resend the checkpoint segment.
	var raws [][]byte
	for _, seg := range sess.unacked {
		if seg.Type.IsCheckpoint() && seg.CheckpointID == checkpointID {
			n.armCheckpointLocked(sess, seg)
			raws = append(raws, n.send(seg))
			n.sstats.TotalSntDs++
			n.sstats.DsSegmentResends++
			metrics.LTPSegmentResends.WithLabelValues("DS").Inc()
			break
		}
	}
	n.mu.Unlock()
	n.transmit(raws)
}

// handleReport processes an inbound report segment: immediate RA, claim
// removal, gap retransmission as fresh checkpoints, and completion when
// the report covers the session.
func (n *Node) handleReport(seg *Segment) {
	n.mu.Lock()
	sess, ok := n.sendSessions[seg.SessionID]
	if !ok {
		// Late report for a completed session: re-ack idempotently.
		ra := &Segment{
			Type:      SegReportAck,
			EngineID:  seg.EngineID,
			SessionID: seg.SessionID,
			RASerial:  seg.RSSerial,
		}
		raw := n.send(ra)
		n.mu.Unlock()
		n.transmit([][]byte{raw})
		return
	}

	n.sstats.TotalRcvRs++
	sess.state = StateRS

	var raws [][]byte
	ra := &Segment{
		Type:      SegReportAck,
		EngineID:  seg.EngineID,
		SessionID: seg.SessionID,
		RASerial:  seg.RSSerial,
	}
	raws = append(raws, n.send(ra))
	n.sstats.TotalSntRa++

	// The report acknowledges its checkpoint.
	if t, ok := sess.checkpoints[seg.RSCheckpoint]; ok {
		t.Cancel()
		delete(sess.checkpoints, seg.RSCheckpoint)
	}

	// Remove covered segments.
	for _, c := range seg.Claims {
		claimStart := seg.LowerBound + c.Offset
		claimEnd := claimStart + c.Length
		for off, unacked := range sess.unacked {
			segEnd := off + uint64(len(unacked.Data))
			if off >= claimStart && segEnd <= claimEnd {
				if unacked.Type.IsCheckpoint() {
					if t, ok := sess.checkpoints[unacked.CheckpointID]; ok {
						t.Cancel()
						delete(sess.checkpoints, unacked.CheckpointID)
					}
				}
				delete(sess.unacked, off)
			}
		}
	}

	// Retransmit the gaps inside the report scope, each pass ending in a
	// fresh checkpoint tied to the report serial.
	gaps := reportGaps(seg)
	for _, g := range gaps {
		raws = append(raws, n.sendRedRangeLocked(sess, g.start, g.end, seg.RSSerial)...)
	}

	if len(gaps) == 0 && len(sess.unacked) == 0 && seg.UpperBound >= sess.redLen && seg.LowerBound == 0 {
		// Full coverage: the session completes.
		refs := sess.cleanup(false)
		size := sess.size
		delete(n.sendSessions, sess.key.SessionID)
		n.engine.unregisterSession(sess.key.SessionID)
		n.sstats.BundlesSuccess += uint64(len(refs))
		n.sessionGaugesLocked()
		n.mu.Unlock()
		n.transmit(raws)
		n.sessionDone(refs, size, true)
		return
	}
	n.mu.Unlock()
	n.transmit(raws)
}

type gap struct{ start, end uint64 }

// reportGaps derives the unclaimed ranges inside a report's scope.
func reportGaps(seg *Segment) []gap {
	var gaps []gap
	cursor := seg.LowerBound
	for _, c := range seg.Claims {
		claimStart := seg.LowerBound + c.Offset
		if claimStart > cursor {
			gaps = append(gaps, gap{start: cursor, end: claimStart})
		}
		claimEnd := claimStart + c.Length
		if claimEnd > cursor {
			cursor = claimEnd
		}
	}
	if cursor < seg.UpperBound {
		gaps = append(gaps, gap{start: cursor, end: seg.UpperBound})
	}
	return gaps
}

// startCancelBySenderLocked begins the sender-side cancel state machine.
func (n *Node) startCancelBySenderLocked(sess *sendSession, reason CancelReason) [][]byte {
	if sess.cancelled {
		return nil
	}
	sess.cancelled = true
	sess.cancelReason = reason
	sess.state = StateCS
	n.sstats.CancelBySndrSessions++
	metrics.LTPCancelledSessions.WithLabelValues("sender").Inc()

	cs := &Segment{
		Type:      SegCancelBySender,
		EngineID:  sess.key.EngineID,
		SessionID: sess.key.SessionID,
		Reason:    reason,
	}
	n.sstats.CancelBySndrSegs++
	n.armSenderCancelLocked(sess, cs)
	return [][]byte{n.send(cs)}
}

func (n *Node) armSenderCancelLocked(sess *sendSession, cs *Segment) {
	sid := sess.key.SessionID
	sess.cancelTimer = n.timers.ScheduleIn(n.params.RetranIntvl, func() {
		n.senderCancelExpired(sid, cs)
	})
}

// senderCancelExpired retries the cancel segment; exhaustion abandons the
// session without an ack.
func (n *Node) senderCancelExpired(sessionID uint64, cs *Segment) {
	n.mu.Lock()
	sess, ok := n.sendSessions[sessionID]
	if !ok {
		n.mu.Unlock()
		return
	}
	if sess.cancelRetries >= n.params.RetranRetries {
		n.finalizeSendFailureLocked(sess)
		n.mu.Unlock()
		return
	}
	sess.cancelRetries++
	n.sstats.CancelBySndrSegs++
	n.armSenderCancelLocked(sess, cs)
	raw := n.send(cs)
	n.mu.Unlock()
	n.transmit([][]byte{raw})
}

// handleSenderCancelAck completes a sender-initiated cancel.
func (n *Node) handleSenderCancelAck(seg *Segment) {
	n.mu.Lock()
	sess, ok := n.sendSessions[seg.SessionID]
	if !ok || !sess.cancelled {
		n.mu.Unlock()
		return
	}
	n.sstats.TotalSentAndRcvdCa++
	n.finalizeSendFailureLocked(sess)
	n.mu.Unlock()
}

// handleCancelByReceiver fails the session at the receiver's request.
func (n *Node) handleCancelByReceiver(seg *Segment) {
	n.mu.Lock()
	ack := &Segment{
		Type:      SegCancelAckToReceiver,
		EngineID:  seg.EngineID,
		SessionID: seg.SessionID,
	}
	raw := n.send(ack)
	n.sstats.TotalSentAndRcvdCa++

	sess, ok := n.sendSessions[seg.SessionID]
	if !ok {
		n.mu.Unlock()
		n.transmit([][]byte{raw})
		return
	}
	n.sstats.CancelByRcvrSessions++
	n.sstats.CancelByRcvrSegs++
	metrics.LTPCancelledSessions.WithLabelValues("receiver").Inc()
	n.logger.Warn().
		Uint64("session_id", seg.SessionID).
		Str("reason", seg.Reason.String()).
		Msg("session cancelled by receiver")
	n.finalizeSendFailureLocked(sess)
	n.mu.Unlock()
	n.transmit([][]byte{raw})
}

// finalizeSendFailureLocked tears down a failed session and reports
// failure for every bundle in it.
func (n *Node) finalizeSendFailureLocked(sess *sendSession) {
	refs := sess.cleanup(false)
	size := sess.size
	delete(n.sendSessions, sess.key.SessionID)
	n.engine.unregisterSession(sess.key.SessionID)
	n.sstats.BundlesFailed += uint64(len(refs))
	n.sessionGaugesLocked()
	go n.sessionDone(refs, size, false)
}

func (n *Node) sessionDone(refs []bundle.Ref, size uint64, success bool) {
	if n.cb.SessionDone != nil {
		n.cb.SessionDone(refs, size, success)
		return
	}
	for i := range refs {
		refs[i].Release()
	}
}
