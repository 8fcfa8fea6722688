package pool

import (
	"container/list"
	"sync"

	"github.com/hetianyi/gox"
	"github.com/hetianyi/gox/logger"
)

// WorkQueue is a fixed set of workers draining one FIFO.
type WorkQueue struct {
	tasks   *list.List
	lock    *sync.Mutex
	cond    *sync.Cond
	closed  bool
	workers int
	wg      sync.WaitGroup
}

// NewWorkQueue starts workers goroutines.
func NewWorkQueue(workers int) *WorkQueue {
	if workers <= 0 {
		workers = 1
	}
	lock := new(sync.Mutex)
	q := &WorkQueue{
		tasks:   list.New(),
		lock:    lock,
		cond:    sync.NewCond(lock),
		workers: workers,
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.run(i)
	}
	logger.Debug("work queue started with ", workers, " workers")
	return q
}

// AddTask enqueues a task and wakes one worker.
// It returns false once the queue is closed.
func (q *WorkQueue) AddTask(task func()) bool {
	if task == nil {
		return false
	}
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.tasks.PushBack(task)
	q.lock.Unlock()
	q.cond.Signal()
	return true
}

// Pending returns the number of queued tasks.
func (q *WorkQueue) Pending() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.tasks.Len()
}

// Workers returns the size of the pool.
func (q *WorkQueue) Workers() int {
	return q.workers
}

// Close refuses new tasks, lets the workers drain what is queued and
// waits for them to exit.
func (q *WorkQueue) Close() {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return
	}
	q.closed = true
	q.lock.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
	logger.Debug("work queue closed")
}

func (q *WorkQueue) run(index int) {
	defer q.wg.Done()
	for {
		q.lock.Lock()
		for q.tasks.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.tasks.Len() == 0 && q.closed {
			q.lock.Unlock()
			return
		}
		task := q.tasks.Remove(q.tasks.Front()).(func())
		q.lock.Unlock()

		gox.Try(task, func(e interface{}) {
			logger.Error("worker ", index, " task err: ", e)
		})
	}
}
