package reactor

import (
	"container/heap"
	"sync"
	"time"
)

type timerNode struct {
	id      int
	expires time.Time
	cb      func()
}

// nodeHeap is a min heap by deadline that keeps ref (id -> index) in sync.
type nodeHeap struct {
	nodes []*timerNode
	ref   map[int]int
}

func (h *nodeHeap) Len() int           { return len(h.nodes) }
func (h *nodeHeap) Less(i, j int) bool { return h.nodes[i].expires.Before(h.nodes[j].expires) }

func (h *nodeHeap) Swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.ref[h.nodes[i].id] = i
	h.ref[h.nodes[j].id] = j
}

func (h *nodeHeap) Push(x interface{}) {
	n := x.(*timerNode)
	h.ref[n.id] = len(h.nodes)
	h.nodes = append(h.nodes, n)
}

func (h *nodeHeap) Pop() interface{} {
	last := len(h.nodes) - 1
	n := h.nodes[last]
	h.nodes[last] = nil
	h.nodes = h.nodes[:last]
	delete(h.ref, n.id)
	return n
}

// HeapTimer fires one callback per id once its deadline passes.
// Callbacks run on the goroutine calling Tick or DoWork, outside the lock.
type HeapTimer struct {
	lock sync.Mutex
	h    *nodeHeap
	now  func() time.Time
}

func NewHeapTimer() *HeapTimer {
	return NewHeapTimerWithClock(time.Now)
}

// NewHeapTimerWithClock creates a timer reading the time from now.
func NewHeapTimerWithClock(now func() time.Time) *HeapTimer {
	return &HeapTimer{
		h:   &nodeHeap{ref: make(map[int]int)},
		now: now,
	}
}

// Add schedules cb after timeout. An existing id gets the new deadline
// and callback.
func (t *HeapTimer) Add(id int, timeout time.Duration, cb func()) {
	t.lock.Lock()
	defer t.lock.Unlock()
	expires := t.now().Add(timeout)
	if i, ok := t.h.ref[id]; ok {
		t.h.nodes[i].expires = expires
		t.h.nodes[i].cb = cb
		heap.Fix(t.h, i)
		return
	}
	heap.Push(t.h, &timerNode{id: id, expires: expires, cb: cb})
}

// Adjust moves the deadline of id to now+timeout. Unknown ids are ignored.
func (t *HeapTimer) Adjust(id int, timeout time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if i, ok := t.h.ref[id]; ok {
		t.h.nodes[i].expires = t.now().Add(timeout)
		heap.Fix(t.h, i)
	}
}

// Remove drops id without running its callback.
func (t *HeapTimer) Remove(id int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if i, ok := t.h.ref[id]; ok {
		heap.Remove(t.h, i)
	}
}

// DoWork runs the callback of id now and drops it.
func (t *HeapTimer) DoWork(id int) {
	t.lock.Lock()
	i, ok := t.h.ref[id]
	if !ok {
		t.lock.Unlock()
		return
	}
	n := heap.Remove(t.h, i).(*timerNode)
	t.lock.Unlock()
	if n.cb != nil {
		n.cb()
	}
}

// Tick pops and runs every expired node.
func (t *HeapTimer) Tick() {
	var expired []*timerNode
	t.lock.Lock()
	now := t.now()
	for t.h.Len() > 0 && !t.h.nodes[0].expires.After(now) {
		expired = append(expired, heap.Pop(t.h).(*timerNode))
	}
	t.lock.Unlock()
	for _, n := range expired {
		if n.cb != nil {
			n.cb()
		}
	}
}

// NextTick returns milliseconds until the earliest deadline, 0 when one
// is already due and -1 when nothing is scheduled.
func (t *HeapTimer) NextTick() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.h.Len() == 0 {
		return -1
	}
	d := t.h.nodes[0].expires.Sub(t.now())
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

func (t *HeapTimer) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.h.Len()
}

func (t *HeapTimer) Clear() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.h.nodes = nil
	t.h.ref = make(map[int]int)
}
