/*
Package metrics exposes the daemon's Prometheus metrics and component health
endpoints.

Metrics mirror the daemon's internal statistics: bundle pipeline counters,
custody and ACS activity, LTP session and segment stats, restage disk usage,
and storage commit latency. They are registered at init time and served by
the HTTP handler alongside /health, /ready, and /live.
*/
package metrics
