package pool

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hetianyi/gox"
	"github.com/hetianyi/gox/logger"
	"github.com/hetianyi/gox/timer"
)

const (
	DefaultRetention     = time.Minute * 10
	DefaultSweepInterval = time.Minute
)

// slab is a pooled byte array and the time it became idle.
type slab struct {
	data      []byte
	idleSince time.Time
}

// Buffer is a reference counted handle to a pooled byte array.
// The array goes back to the pool when the last owner calls Release.
type Buffer struct {
	s    *slab
	refs int32
	pool *BytesPool
}

// Bytes returns the whole backing array.
func (b *Buffer) Bytes() []byte {
	return b.s.data
}

// Cap returns the capacity of the backing array.
func (b *Buffer) Cap() int {
	return len(b.s.data)
}

// Retain adds an owner to the handle.
func (b *Buffer) Retain() *Buffer {
	if atomic.AddInt32(&b.refs, 1) <= 1 {
		panic("retain of a released buffer")
	}
	return b
}

// Release drops one owner.
func (b *Buffer) Release() {
	n := atomic.AddInt32(&b.refs, -1)
	if n < 0 {
		panic("buffer released more times than retained")
	}
	if n == 0 {
		b.pool.recycle(b.s)
	}
}

// BytesPool hands out fixed size buffers.
// One lock guards both Apply and recycle.
type BytesPool struct {
	bufferSize int
	maxIdle    int
	retention  time.Duration
	free       *list.List
	total      int
	lock       *sync.Mutex
	closed     int32
}

// NewBytesPool creates a pool of buffers of bufferSize bytes, seeded
// with initialCount buffers.
func NewBytesPool(bufferSize, initialCount int, retention time.Duration) *BytesPool {
	if bufferSize <= 0 {
		bufferSize = 8192
	}
	if initialCount < 0 {
		initialCount = 0
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	maxIdle := initialCount * 4
	if maxIdle < 64 {
		maxIdle = 64
	}
	pool := &BytesPool{
		bufferSize: bufferSize,
		maxIdle:    maxIdle,
		retention:  retention,
		free:       list.New(),
		lock:       new(sync.Mutex),
	}
	now := time.Now()
	for i := 0; i < initialCount; i++ {
		pool.free.PushBack(&slab{data: make([]byte, bufferSize), idleSince: now})
		pool.total++
	}
	return pool
}

// BufferSize returns the size of every buffer of this pool.
func (pool *BytesPool) BufferSize() int {
	return pool.bufferSize
}

// Apply takes a free buffer or allocates a new one.
func (pool *BytesPool) Apply() *Buffer {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	var s *slab
	if pool.free.Front() != nil {
		s = pool.free.Remove(pool.free.Front()).(*slab)
	} else {
		s = &slab{data: make([]byte, pool.bufferSize)}
		pool.total++
		logger.Debug("bytes pool grows to ", pool.total)
	}
	return &Buffer{s: s, refs: 1, pool: pool}
}

func (pool *BytesPool) recycle(s *slab) {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	if pool.free.Len() >= pool.maxIdle {
		pool.total--
		return
	}
	s.idleSince = time.Now()
	pool.free.PushBack(s)
}

// Sweep frees buffers idle for longer than the retention window and
// returns how many were dropped.
func (pool *BytesPool) Sweep(now time.Time) int {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	dropped := 0
	deadline := now.Add(-pool.retention)
	for e := pool.free.Front(); e != nil; {
		next := e.Next()
		if e.Value.(*slab).idleSince.Before(deadline) {
			pool.free.Remove(e)
			pool.total--
			dropped++
		}
		e = next
	}
	return dropped
}

// StartSweeper runs Sweep periodically until the pool is closed.
func (pool *BytesPool) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	timer.Start(interval, interval, 0, func(t *timer.Timer) {
		if atomic.LoadInt32(&pool.closed) == 1 {
			t.Destroy()
			return
		}
		gox.Try(func() {
			if n := pool.Sweep(time.Now()); n > 0 {
				logger.Debug("bytes pool swept ", n, " idle buffers")
			}
		}, func(e interface{}) {
			logger.Error("bytes pool sweep err: ", e)
		})
	})
}

// Close stops the background sweep.
func (pool *BytesPool) Close() {
	atomic.StoreInt32(&pool.closed, 1)
}

// Stat returns the number of idle buffers and of all buffers owned by the pool.
func (pool *BytesPool) Stat() (free int, total int) {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	return pool.free.Len(), pool.total
}
