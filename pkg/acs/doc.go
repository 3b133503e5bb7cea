/*
Package acs implements aggregate custody signalling: custody-ID allocation
and the per-destination pending signals that accumulate custody IDs as a
run-length encoding until a size or time threshold flushes them as one
admin bundle.

A pending signal is keyed by (destination custodian, succeeded, reason);
at most one exists per key. Every addition reports its placement in the
encoding (INSERT_FIRST, INSERT, INSERT_AT_END, EXTEND_ENTRY,
PREPEND_ENTRY) and whether the payload has reached the route's size
limit, so the worker can persist the delta and decide whether to flush. Route-specific parameter overrides
resolve by longest-match on the custodian's endpoint pattern.
*/
package acs
