package ltp

import (
	"github.com/kestrelworks/dtnd/pkg/metrics"
)

// handleData processes an inbound data segment.
func (n *Node) handleData(seg *Segment) {
	n.mu.Lock()
	n.rstats.TotalRcvDs++

	key := seg.Key()
	if closed, ok := n.closedRecv[key]; ok {
		// Late segment for a closed session: answer checkpoints
		// idempotently, drop the rest.
		var raws [][]byte
		if seg.Type.IsCheckpoint() && !closed.cancelled {
			rs := &Segment{
				Type:         SegReport,
				EngineID:     seg.EngineID,
				SessionID:    seg.SessionID,
				RSSerial:     1,
				RSCheckpoint: seg.CheckpointID,
				UpperBound:   closed.size,
				LowerBound:   0,
				Claims:       []ReportClaim{{Offset: 0, Length: closed.size}},
			}
			raws = append(raws, n.send(rs))
			n.rstats.RsSegmentResends++
		}
		n.mu.Unlock()
		n.transmit(raws)
		return
	}

	sess, ok := n.recvSessions[key]
	if !ok {
		if uint32(len(n.recvSessions)) >= n.params.MaxSessions {
			n.rstats.DsSegsDiscarded++
			n.mu.Unlock()
			return
		}
		sess = newRecvSession(key)
		n.recvSessions[key] = sess
		n.rstats.TotalSessions++
		if uint64(len(n.recvSessions)) > n.rstats.MaxSessions {
			n.rstats.MaxSessions = uint64(len(n.recvSessions))
		}
		n.sessionGaugesLocked()
	}
	n.touchInactivityLocked(sess)

	var raws [][]byte
	var deliver []byte
	var red bool
	if seg.Type.IsGreen() {
		raws, deliver = n.handleGreenLocked(sess, seg)
	} else {
		raws, deliver = n.handleRedLocked(sess, seg)
		red = true
	}
	remote := seg.Key().EngineID
	n.mu.Unlock()

	if deliver != nil {
		if cb := n.cb.BlockReceived; cb != nil {
			cb(remote, deliver, red)
		}
	}
	n.transmit(raws)
}

// handleGreenLocked extracts green data immediately. In CCSDS-compatible
// mode a session may not mix red and green.
func (n *Node) handleGreenLocked(sess *recvSession, seg *Segment) ([][]byte, []byte) {
	if n.params.CCSDSCompatible && sess.sawRed {
		return n.startCancelByReceiverLocked(sess, CancelMiscolored), nil
	}
	sess.sawGreen = true
	n.rstats.TotalDsUnique++

	data := make([]byte, len(seg.Data))
	copy(data, seg.Data)

	if seg.Type.IsEOB() {
		sess.eobSeen = true
		if !sess.sawRed {
			// A pure green session closes at EOB.
			n.rstats.BundlesSuccess++
			n.closeRecvSessionLocked(sess, false)
		}
	}
	return nil, data
}

// handleRedLocked inserts a red segment, generates reports for
// checkpoints, and returns the assembled block when the red part
// completes.
func (n *Node) handleRedLocked(sess *recvSession, seg *Segment) ([][]byte, []byte) {
	if n.params.CCSDSCompatible && sess.sawGreen {
		return n.startCancelByReceiverLocked(sess, CancelMiscolored), nil
	}
	sess.sawRed = true

	// Raw DS backlog quota: excess red data is discarded and will be
	// retransmitted after the next report round.
	if n.params.QueuedBytesQuota > 0 &&
		n.queuedBytes+uint64(len(seg.Data)) > n.params.QueuedBytesQuota {
		n.rstats.DsSegsDiscarded++
		return nil, nil
	}

	data := make([]byte, len(seg.Data))
	copy(data, seg.Data)
	added, dup := sess.insertRed(seg.Offset, data)
	n.queuedBytes += added

	var raws [][]byte
	if dup {
		n.rstats.TotalDsDuplicate++
		// A duplicate checkpoint regenerates its report.
		if seg.Type.IsCheckpoint() {
			if rs := n.regenerateReportLocked(sess, seg.CheckpointID); rs != nil {
				raws = append(raws, rs...)
			}
		}
		return raws, nil
	}
	n.rstats.TotalDsUnique++

	if seg.Type.IsEORP() {
		sess.eorpSeen = true
		sess.expected = seg.Offset + uint64(len(seg.Data))
	}
	if seg.Type.IsEOB() {
		sess.eobSeen = true
	}

	if seg.Type.IsCheckpoint() {
		raws = append(raws, n.generateReportLocked(sess, seg)...)
	}

	var block []byte
	if !sess.delivered && sess.redComplete() {
		block = n.deliverRedLocked(sess)
	}
	return raws, block
}

// generateReportLocked builds and arms the report answering a checkpoint.
func (n *Node) generateReportLocked(sess *recvSession, checkpoint *Segment) [][]byte {
	upper := checkpoint.Offset + uint64(len(checkpoint.Data))
	if sess.eorpSeen && sess.expected > upper {
		upper = sess.expected
	}
	serial := sess.nextReportSerial
	sess.nextReportSerial++

	rs := &Segment{
		Type:         SegReport,
		EngineID:     sess.key.EngineID,
		SessionID:    sess.key.SessionID,
		RSSerial:     serial,
		RSCheckpoint: checkpoint.CheckpointID,
		UpperBound:   upper,
		LowerBound:   0,
		Claims:       sess.claims(0, upper),
	}
	sess.reports[serial] = rs
	sess.state = StateRS
	n.rstats.TotalRsSegsGenerated++
	n.armReportLocked(sess, serial)
	return [][]byte{n.send(rs)}
}

// regenerateReportLocked re-sends the report tied to a duplicated
// checkpoint.
func (n *Node) regenerateReportLocked(sess *recvSession, checkpointID uint64) [][]byte {
	for _, rs := range sess.reports {
		if rs.RSCheckpoint == checkpointID {
			n.rstats.RsSegmentResends++
			metrics.LTPSegmentResends.WithLabelValues("RS").Inc()
			return [][]byte{n.send(rs)}
		}
	}
	return nil
}

// armReportLocked schedules the report retransmission timer.
func (n *Node) armReportLocked(sess *recvSession, serial uint64) {
	key := sess.key
	sess.reportTimers[serial] = n.timers.ScheduleIn(n.params.RetranIntvl, func() {
		n.reportExpired(key, serial)
	})
}

// reportExpired retransmits an unacknowledged report; exhaustion cancels
// the session, or closes it silently when the bundles were already
// delivered.
func (n *Node) reportExpired(key SessionKey, serial uint64) {
	n.mu.Lock()
	sess, ok := n.recvSessions[key]
	if !ok || sess.cancelled {
		n.mu.Unlock()
		return
	}
	rs, ok := sess.reports[serial]
	if !ok {
		n.mu.Unlock()
		return
	}

	retries := sess.reportRetries[serial]
	if retries >= n.params.RetranRetries {
		if sess.delivered {
			// The RA was lost after delivery: the session succeeds
			// silently.
			n.sstats.RASNotReceivedButGotBundles++
			n.closeRecvSessionLocked(sess, false)
			n.mu.Unlock()
			return
		}
		raws := n.startCancelByReceiverLocked(sess, CancelRxmtCycleExceeded)
		n.mu.Unlock()
		n.transmit(raws)
		return
	}
	sess.reportRetries[serial] = retries + 1
	n.rstats.RsSegmentResends++
	metrics.LTPSegmentResends.WithLabelValues("RS").Inc()
	n.armReportLocked(sess, serial)
	raw := n.send(rs)
	n.mu.Unlock()
	n.transmit([][]byte{raw})
}

// handleReportAck retires a report; when every report is acked and the
// block was delivered, the session closes.
func (n *Node) handleReportAck(seg *Segment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sess, ok := n.recvSessions[seg.Key()]
	if !ok {
		return
	}
	n.rstats.TotalRcvRa++
	n.touchInactivityLocked(sess)
	if t, ok := sess.reportTimers[seg.RASerial]; ok {
		t.Cancel()
		delete(sess.reportTimers, seg.RASerial)
	}
	delete(sess.reports, seg.RASerial)

	if sess.delivered && len(sess.reports) == 0 {
		n.closeRecvSessionLocked(sess, false)
	}
}

// deliverRedLocked marks the session delivered and returns the contiguous
// red block for the bundle extraction callback.
func (n *Node) deliverRedLocked(sess *recvSession) []byte {
	block := sess.assemble()
	sess.delivered = true
	n.rstats.BundlesSuccess++
	if n.queuedBytes >= sess.redBytes {
		n.queuedBytes -= sess.redBytes
	} else {
		n.queuedBytes = 0
	}
	return block
}

// inactivityExpired cancels a session that has gone quiet.
func (n *Node) inactivityExpired(key SessionKey) {
	n.mu.Lock()
	sess, ok := n.recvSessions[key]
	if !ok || sess.cancelled {
		n.mu.Unlock()
		return
	}
	if sess.delivered {
		n.closeRecvSessionLocked(sess, false)
		n.mu.Unlock()
		return
	}
	n.logger.Warn().
		Uint64("session_id", key.SessionID).
		Msg("session inactive, cancelling")
	raws := n.startCancelByReceiverLocked(sess, CancelRxmtCycleExceeded)
	n.mu.Unlock()
	n.transmit(raws)
}

// startCancelByReceiverLocked begins the receiver-side cancel state
// machine.
func (n *Node) startCancelByReceiverLocked(sess *recvSession, reason CancelReason) [][]byte {
	if sess.cancelled {
		return nil
	}
	sess.cancelled = true
	sess.state = StateCS
	n.rstats.CancelByRcvrSessions++
	metrics.LTPCancelledSessions.WithLabelValues("receiver").Inc()
	if sess.delivered {
		n.rstats.SessionCancelledButGotIt++
	}

	cs := &Segment{
		Type:      SegCancelByReceiver,
		EngineID:  sess.key.EngineID,
		SessionID: sess.key.SessionID,
		Reason:    reason,
	}
	n.armReceiverCancelLocked(sess, cs)
	return [][]byte{n.send(cs)}
}

func (n *Node) armReceiverCancelLocked(sess *recvSession, cs *Segment) {
	key := sess.key
	sess.cancelTimer = n.timers.ScheduleIn(n.params.RetranIntvl, func() {
		n.receiverCancelExpired(key, cs)
	})
}

func (n *Node) receiverCancelExpired(key SessionKey, cs *Segment) {
	n.mu.Lock()
	sess, ok := n.recvSessions[key]
	if !ok {
		n.mu.Unlock()
		return
	}
	if sess.cancelRetries >= n.params.RetranRetries {
		n.closeRecvSessionLocked(sess, true)
		n.mu.Unlock()
		return
	}
	sess.cancelRetries++
	n.armReceiverCancelLocked(sess, cs)
	raw := n.send(cs)
	n.mu.Unlock()
	n.transmit([][]byte{raw})
}

// handleReceiverCancelAck completes a receiver-initiated cancel.
func (n *Node) handleReceiverCancelAck(seg *Segment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sess, ok := n.recvSessions[seg.Key()]
	if !ok || !sess.cancelled {
		return
	}
	n.rstats.TotalSentAndRcvdCa++
	n.closeRecvSessionLocked(sess, true)
}

// handleCancelBySender acknowledges and applies a sender-side cancel.
func (n *Node) handleCancelBySender(seg *Segment) {
	n.mu.Lock()
	ack := &Segment{
		Type:      SegCancelAckToSender,
		EngineID:  seg.EngineID,
		SessionID: seg.SessionID,
	}
	raw := n.send(ack)
	n.rstats.TotalSentAndRcvdCa++

	if sess, ok := n.recvSessions[seg.Key()]; ok {
		n.rstats.CancelBySndrSessions++
		if sess.delivered {
			// peer cancelled but we already extracted the bundles
			n.rstats.SessionCancelledButGotIt++
		}
		n.closeRecvSessionLocked(sess, true)
	}
	n.mu.Unlock()
	n.transmit([][]byte{raw})
}

// closeRecvSessionLocked erases a session, retaining its key in the
// closed-sessions map for a closeout interval to answer late segments.
func (n *Node) closeRecvSessionLocked(sess *recvSession, cancelled bool) {
	sess.cleanup()
	if !sess.delivered {
		if n.queuedBytes >= sess.redBytes {
			n.queuedBytes -= sess.redBytes
		} else {
			n.queuedBytes = 0
		}
	}
	key := sess.key
	delete(n.recvSessions, key)
	n.closedRecv[key] = closedSession{size: sess.expected, cancelled: cancelled}
	n.sessionGaugesLocked()

	n.timers.ScheduleIn(n.params.InactivityIntvl, func() {
		n.mu.Lock()
		delete(n.closedRecv, key)
		n.mu.Unlock()
	})
}
