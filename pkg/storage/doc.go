/*
Package storage provides BoltDB-backed persistence for the daemon's durable
state.

Four logical tables are kept, one bucket each: bundles (by local ID),
registrations (by regid), links (by link name), and pending aggregate
custody signals (by destination+succeeded+reason). Values arrive already
encoded — whoever posts the update serializes the bundle record under the
bundle lock, so the size computed before the write equals the size
written — and batches of updates commit in a single transaction.

Bundle payloads are not stored in the database: they live as files under
<dataDir>/payloads, managed by PayloadStore, with the durable path carried
in the bundle's metadata record.
*/
package storage
