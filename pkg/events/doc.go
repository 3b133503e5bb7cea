/*
Package events defines the typed event records passed between the daemon's
workers and the bounded per-worker queues that carry them.

Each worker owns exactly one Queue. Producers post events through the
Dispatcher, which routes on the event's processor tag; within one queue
events are handled strictly in FIFO order. PostAndWait attaches a completion
notifier and blocks the caller until the worker finishes the event or the
timeout elapses — it must never be used by a worker on its own queue.
*/
package events
