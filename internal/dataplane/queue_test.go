package dataplane

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkQueueRunsInOrder(t *testing.T) {
	q := NewWorkQueue(16)
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)

	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, q.Enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 10; i++ {
		require.Equal(t, i, order[i])
	}
}

func TestWorkQueueFullReturnsError(t *testing.T) {
	q := NewWorkQueue(1)
	defer q.Stop()

	block := make(chan struct{})
	require.NoError(t, q.Enqueue(func() { <-block }))

	// Give the worker a chance to pick up the blocking task so the
	// channel buffer is actually empty, then fill it.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(func() {}))

	err := q.Enqueue(func() {})
	require.ErrorIs(t, err, ErrQueueFull)
	close(block)
}

func TestWorkQueueStopDrainsPending(t *testing.T) {
	q := NewWorkQueue(8)
	var ran int32
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(func() { atomic.AddInt32(&ran, 1) }))
	}
	q.Stop()
	require.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

func TestWorkQueueStopIsIdempotent(t *testing.T) {
	q := NewWorkQueue(4)
	q.Stop()
	q.Stop()
}
