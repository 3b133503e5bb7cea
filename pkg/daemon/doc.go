/*
Package daemon implements the bundle daemon: the event-driven pipeline that
owns the canonical bundle lifecycle.

Five workers run as goroutines, each consuming one event queue:

	Input    validates, deduplicates, and persists arrivals
	Main     admission, custody, delivery, expiration, links, shutdown
	Output   drives queued bundles into convergence layers
	Storage  batches durable updates into single transactions
	ACS      accumulates and flushes aggregate custody signals

A single Daemon value is constructed at boot and passed explicitly to each
worker; there are no hidden globals. Cross-worker communication is event
posting only. Shutdown is cooperative and two-phase: Main pauses the timer
service, closes links and convergence layers, drains admin traffic for a
bounded grace period, flushes the store, and then stops every worker.
*/
package daemon
