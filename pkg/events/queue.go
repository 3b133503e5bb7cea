package events

import (
	"sync"
	"time"
)

// Processor selects the worker that consumes an event.
type Processor int

const (
	ProcInput Processor = iota
	ProcMain
	ProcOutput
	ProcStorage
	ProcACS
)

func (p Processor) String() string {
	switch p {
	case ProcInput:
		return "input"
	case ProcMain:
		return "main"
	case ProcOutput:
		return "output"
	case ProcStorage:
		return "storage"
	case ProcACS:
		return "acs"
	default:
		return "unknown"
	}
}

// Event is an immutable record passed between workers. Concrete event types
// report the worker that owns them.
type Event interface {
	Proc() Processor
}

type item struct {
	ev   Event
	done chan struct{} // non-nil for post_and_wait
}

// Queue is one worker's input FIFO. It supports tail and head insertion and
// blocking pop; within a queue events are strictly processed in FIFO order.
type Queue struct {
	mu     sync.Mutex
	items  []item
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Post enqueues the event at the tail. Posting never blocks.
func (q *Queue) Post(ev Event) {
	q.push(item{ev: ev}, false)
}

// PostAtHead enqueues the event at the head.
func (q *Queue) PostAtHead(ev Event) {
	q.push(item{ev: ev}, true)
}

// PostAndWait enqueues the event and blocks until the worker completes it or
// the timeout elapses. Returns false on timeout; the event is not removed
// from the queue in that case. A timeout <= 0 waits forever. Must not be
// called by a worker on its own queue.
func (q *Queue) PostAndWait(ev Event, timeout time.Duration) bool {
	return q.postAndWait(ev, timeout, false)
}

// PostAndWaitAtHead is PostAndWait with head insertion.
func (q *Queue) PostAndWaitAtHead(ev Event, timeout time.Duration) bool {
	return q.postAndWait(ev, timeout, true)
}

func (q *Queue) postAndWait(ev Event, timeout time.Duration, atHead bool) bool {
	done := make(chan struct{})
	q.push(item{ev: ev, done: done}, atHead)
	if timeout <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (q *Queue) push(it item, atHead bool) {
	q.mu.Lock()
	if atHead {
		q.items = append([]item{it}, q.items...)
	} else {
		q.items = append(q.items, it)
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until an event is available or stop is closed. The returned
// complete function must be called once the event has been handled; it
// signals any post_and_wait caller.
func (q *Queue) Pop(stop <-chan struct{}) (Event, func(), bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			nonEmpty := len(q.items) > 0
			q.mu.Unlock()
			if nonEmpty {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			complete := func() {
				if it.done != nil {
					close(it.done)
				}
			}
			return it.ev, complete, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-stop:
			return nil, nil, false
		}
	}
}

// TryPop returns the head event without blocking.
func (q *Queue) TryPop() (Event, func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	complete := func() {
		if it.done != nil {
			close(it.done)
		}
	}
	return it.ev, complete, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dispatcher routes events to the queue owned by each processor.
type Dispatcher struct {
	queues map[Processor]*Queue
}

// NewDispatcher creates a dispatcher with one queue per processor.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{queues: make(map[Processor]*Queue)}
	for _, p := range []Processor{ProcInput, ProcMain, ProcOutput, ProcStorage, ProcACS} {
		d.queues[p] = NewQueue()
	}
	return d
}

// Queue returns the queue owned by the given processor.
func (d *Dispatcher) Queue(p Processor) *Queue {
	return d.queues[p]
}

// Post routes the event to its owning queue's tail.
func (d *Dispatcher) Post(ev Event) {
	d.queues[ev.Proc()].Post(ev)
}

// PostAtHead routes the event to its owning queue's head.
func (d *Dispatcher) PostAtHead(ev Event) {
	d.queues[ev.Proc()].PostAtHead(ev)
}

// PostAndWait routes the event and blocks until handled or timeout.
func (d *Dispatcher) PostAndWait(ev Event, timeout time.Duration) bool {
	return d.queues[ev.Proc()].PostAndWait(ev, timeout)
}
