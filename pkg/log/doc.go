/*
Package log provides structured logging for dtnd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. Every daemon worker logs under its component name
(input, daemon, output, storage, acs, ltp, restage) so a single node's event
pipeline can be followed across threads.

Child loggers attach the identifiers that matter when debugging a DTN node:

	log.WithComponent("ltp")
	log.WithLink("ltp-gs1")
	log.WithBundle(bundleID)
	log.WithSession(engineID, sessionID)
*/
package log
