package pool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hetianyi/godisk/pool"
	"github.com/stretchr/testify/assert"
)

func TestWorkQueueRunsAll(t *testing.T) {
	q := pool.NewWorkQueue(4)
	var n int32
	for i := 0; i < 100; i++ {
		assert.True(t, q.AddTask(func() {
			atomic.AddInt32(&n, 1)
		}))
	}
	q.Close()
	assert.Equal(t, int32(100), atomic.LoadInt32(&n))
}

func TestWorkQueueCloseDrains(t *testing.T) {
	q := pool.NewWorkQueue(1)
	var n int32
	for i := 0; i < 10; i++ {
		q.AddTask(func() {
			time.Sleep(time.Millisecond * 5)
			atomic.AddInt32(&n, 1)
		})
	}
	q.Close()
	assert.Equal(t, int32(10), atomic.LoadInt32(&n))
	assert.False(t, q.AddTask(func() {}))
}

func TestWorkQueueSurvivesPanic(t *testing.T) {
	q := pool.NewWorkQueue(1)
	var wg sync.WaitGroup
	wg.Add(1)
	q.AddTask(func() {
		panic("boom")
	})
	q.AddTask(func() {
		wg.Done()
	})
	wg.Wait()
	q.Close()
}

func TestWorkQueueFifo(t *testing.T) {
	q := pool.NewWorkQueue(1)
	var lock sync.Mutex
	order := make([]int, 0, 20)
	for i := 0; i < 20; i++ {
		i := i
		q.AddTask(func() {
			lock.Lock()
			order = append(order, i)
			lock.Unlock()
		})
	}
	q.Close()
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}
