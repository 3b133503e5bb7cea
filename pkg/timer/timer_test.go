package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiresInDeadlineOrder(t *testing.T) {
	s := NewService()
	s.Start()
	defer s.Stop()

	ch := make(chan int, 3)
	s.ScheduleIn(30*time.Millisecond, func() { ch <- 3 })
	s.ScheduleIn(10*time.Millisecond, func() { ch <- 1 })
	s.ScheduleIn(20*time.Millisecond, func() { ch <- 2 })

	var got []int
	for i := 0; i < 3; i++ {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestCancelPreventsFire(t *testing.T) {
	s := NewService()
	s.Start()
	defer s.Stop()

	var fired atomic.Bool
	tm := s.ScheduleIn(20*time.Millisecond, func() { fired.Store(true) })
	require.True(t, tm.Cancel())

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.False(t, tm.Cancel(), "second cancel is a no-op")
}

func TestCancelAfterFire(t *testing.T) {
	s := NewService()
	s.Start()
	defer s.Stop()

	ch := make(chan struct{})
	tm := s.ScheduleIn(5*time.Millisecond, func() { close(ch) })
	<-ch
	assert.False(t, tm.Cancel())
}

func TestPauseHoldsTimers(t *testing.T) {
	s := NewService()
	s.Start()
	defer s.Stop()

	var fired atomic.Bool
	s.Pause()
	s.ScheduleIn(10*time.Millisecond, func() { fired.Store(true) })

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())

	s.Resume()
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestCancelledTimerReaped(t *testing.T) {
	s := NewService()
	s.Start()
	defer s.Stop()

	tm := s.ScheduleIn(5*time.Millisecond, func() { t.Error("cancelled timer fired") })
	tm.Cancel()
	require.Eventually(t, func() bool { return s.Pending() == 0 },
		time.Second, 5*time.Millisecond)
}
