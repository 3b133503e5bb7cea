package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := NewQueue()
	q.Post(&ContactUp{Link: "a"})
	q.Post(&ContactUp{Link: "b"})
	q.Post(&ContactUp{Link: "c"})

	stop := make(chan struct{})
	var got []string
	for i := 0; i < 3; i++ {
		ev, complete, ok := q.Pop(stop)
		require.True(t, ok)
		got = append(got, ev.(*ContactUp).Link)
		complete()
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestPostAtHead(t *testing.T) {
	q := NewQueue()
	q.Post(&ContactUp{Link: "tail"})
	q.PostAtHead(&ContactUp{Link: "head"})

	ev, complete, _ := q.TryPop()
	complete()
	assert.Equal(t, "head", ev.(*ContactUp).Link)
}

func TestPostAndWaitCompletes(t *testing.T) {
	q := NewQueue()
	stop := make(chan struct{})
	defer close(stop)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ev, complete, ok := q.Pop(stop)
		require.True(t, ok)
		_ = ev.(*ShutdownRequest)
		complete()
	}()

	ok := q.PostAndWait(&ShutdownRequest{}, time.Second)
	assert.True(t, ok)
	wg.Wait()
}

func TestPostAndWaitTimeout(t *testing.T) {
	q := NewQueue()
	// Nobody consumes: the wait must time out and the event must remain.
	ok := q.PostAndWait(&ShutdownRequest{}, 20*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestPopStops(t *testing.T) {
	q := NewQueue()
	stop := make(chan struct{})
	done := make(chan bool)
	go func() {
		_, _, ok := q.Pop(stop)
		done <- ok
	}()
	close(stop)
	assert.False(t, <-done)
}

func TestDispatcherRoutesByProcessor(t *testing.T) {
	d := NewDispatcher()
	d.Post(&BundleReceived{})               // Input by default
	d.Post(&BundleReceived{To: ProcMain})   // retagged
	d.Post(&StoreFlush{})                   // Storage

	assert.Equal(t, 1, d.Queue(ProcInput).Len())
	assert.Equal(t, 1, d.Queue(ProcMain).Len())
	assert.Equal(t, 1, d.Queue(ProcStorage).Len())
	assert.Equal(t, 0, d.Queue(ProcOutput).Len())
}

func TestCrossProducerOrderWithinQueue(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Post(&ContactUp{Link: "x"})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, q.Len())
}
