// Package timer provides the daemon's scheduled-callback service: a
// monotonic priority queue of one-shot timers with cancellation. Cancelled
// timers stay in the queue and are discarded when their deadline is
// reached; a cancelled timer never runs its callback.
package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a scheduled one-shot callback.
type Timer struct {
	at        time.Time
	fn        func()
	cancelled atomic.Bool
	fired     atomic.Bool
	index     int // heap index
	seq       uint64
}

// Cancel prevents the callback from running. It returns false if the timer
// already fired (or was already cancelled); cancelling a firing timer is
// observed as a no-op.
func (t *Timer) Cancel() bool {
	if t.fired.Load() {
		return false
	}
	return t.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether the timer was cancelled before firing.
func (t *Timer) Cancelled() bool {
	return t.cancelled.Load()
}

// Deadline returns the scheduled fire time.
func (t *Timer) Deadline() time.Time {
	return t.at
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Service owns the timer queue and the goroutine that fires callbacks.
// Callbacks run on the service goroutine and must not block; they post
// events instead.
type Service struct {
	mu     sync.Mutex
	heap   timerHeap
	seq    uint64
	wake   chan struct{}
	stop   chan struct{}
	paused bool
	done   sync.WaitGroup
}

// NewService creates a stopped timer service; call Start to run it.
func NewService() *Service {
	return &Service{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Start launches the service goroutine.
func (s *Service) Start() {
	s.done.Add(1)
	go s.run()
}

// Stop terminates the service; pending timers are discarded unfired.
func (s *Service) Stop() {
	close(s.stop)
	s.done.Wait()
}

// Pause suspends firing without discarding timers. Used during shutdown so
// no new events are generated while workers drain.
func (s *Service) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.kick()
}

// Resume re-enables firing.
func (s *Service) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.kick()
}

// Schedule arms fn to run at the given time.
func (s *Service) Schedule(at time.Time, fn func()) *Timer {
	s.mu.Lock()
	s.seq++
	t := &Timer{at: at, fn: fn, seq: s.seq}
	heap.Push(&s.heap, t)
	s.mu.Unlock()
	s.kick()
	return t
}

// ScheduleIn arms fn to run after the given delay.
func (s *Service) ScheduleIn(d time.Duration, fn func()) *Timer {
	return s.Schedule(time.Now().Add(d), fn)
}

// Pending returns the number of queued timers, including cancelled ones not
// yet reaped.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	defer s.done.Done()
	for {
		s.mu.Lock()
		var wait time.Duration
		switch {
		case s.paused || len(s.heap) == 0:
			wait = time.Hour
		default:
			wait = time.Until(s.heap[0].at)
		}

		if wait <= 0 {
			t := heap.Pop(&s.heap).(*Timer)
			s.mu.Unlock()
			if t.cancelled.Load() {
				continue
			}
			t.fired.Store(true)
			t.fn()
			continue
		}
		s.mu.Unlock()

		nt := time.NewTimer(wait)
		select {
		case <-nt.C:
		case <-s.wake:
			nt.Stop()
		case <-s.stop:
			nt.Stop()
			return
		}
	}
}
