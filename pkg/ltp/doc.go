/*
Package ltp implements the Licklider Transmission Protocol engine: a
session-oriented, red/green, checkpointed, report-driven transport that
fragments blocks into UDP segments.

The engine registers one node per remote engine ID. A node's sender side
aggregates bundles into a loading session until agg_size or agg_time seals
it, then emits data segments no larger than seg_size; reliable traffic is
red, best-effort (ECOS streaming) traffic is green. Checkpoints solicit
report segments; report claims retire unacknowledged data and gaps are
retransmitted as fresh checkpoints tied to the report serial. The receiver
side assembles red segment maps, generates reports, enforces the
queued-bytes quota by discarding excess red data, and hands a contiguous
red block to bundle extraction only when [0, expected) is covered and
end-of-block has arrived.

Sessions that go quiet are cancelled by the receiver after the inactivity
interval; closed session keys are retained for a closeout interval so late
segments and reports are answered idempotently. All timers (checkpoint,
report, cancel, inactivity, closeout) run on the daemon's timer service.
Disk-backed sessions spool blocks of ten megabytes or more to files when
enabled.
*/
package ltp
