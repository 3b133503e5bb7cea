/*
Package bundle defines the canonical bundle record and the in-memory store
that indexes every live bundle.

A bundle has exactly one record in memory. Reference-counted Refs govern its
lifetime: each index membership (all_bundles, pending, custody, dupefinder)
holds one strong reference, and workers take their own while operating.
A bundle whose count reaches zero is absent from every index.

The per-bundle lock serializes the forwarding log, the custody-timer list,
and custodian mutation. The durable serializer computes encoded size before
writing, so variable-length fields must stay fixed for the duration of a
store update.
*/
package bundle
