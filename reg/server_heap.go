// Package reg keeps the storage servers known to the balancer, ordered
// by their number of live connections.
package reg

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/hetianyi/gox/logger"
)

// ServerNode is a registered storage server. Sock is the descriptor of
// its registration channel and identifies it.
type ServerNode struct {
	Sock     int       `json:"-"`
	Name     string    `json:"name"`
	Host     string    `json:"host"`
	SPort    uint32    `json:"shortPort"`
	LPort    uint32    `json:"transferPort"`
	Count    uint64    `json:"connections"`
	LastSeen time.Time `json:"lastSeen"`
}

type nodes struct {
	list []*ServerNode
	ref  map[int]int
}

func (n *nodes) Len() int { return len(n.list) }

func (n *nodes) Less(i, j int) bool {
	return n.list[i].Count < n.list[j].Count
}

func (n *nodes) Swap(i, j int) {
	n.list[i], n.list[j] = n.list[j], n.list[i]
	n.ref[n.list[i].Sock] = i
	n.ref[n.list[j].Sock] = j
}

func (n *nodes) Push(x interface{}) {
	node := x.(*ServerNode)
	n.ref[node.Sock] = len(n.list)
	n.list = append(n.list, node)
}

func (n *nodes) Pop() interface{} {
	last := len(n.list) - 1
	node := n.list[last]
	n.list[last] = nil
	n.list = n.list[:last]
	delete(n.ref, node.Sock)
	return node
}

// ServerHeap is a min heap by connection count. The root is always the
// least loaded server.
type ServerHeap struct {
	lock *sync.Mutex
	h    *nodes
}

func NewServerHeap() *ServerHeap {
	return &ServerHeap{
		lock: new(sync.Mutex),
		h:    &nodes{ref: make(map[int]int)},
	}
}

// Add registers node. A node already registered under the same socket
// is replaced.
func (s *ServerHeap) Add(node ServerNode) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if node.LastSeen.IsZero() {
		node.LastSeen = time.Now()
	}
	if i, ok := s.h.ref[node.Sock]; ok {
		*s.h.list[i] = node
		heap.Fix(s.h, i)
		return
	}
	heap.Push(s.h, &node)
	logger.Debug("registered server ", node.Name, "@", node.Host, " with ", node.Count, " connections")
}

// Adjust updates the connection count of sock.
func (s *ServerHeap) Adjust(sock int, count uint64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	i, ok := s.h.ref[sock]
	if !ok {
		return false
	}
	s.h.list[i].Count = count
	s.h.list[i].LastSeen = time.Now()
	heap.Fix(s.h, i)
	return true
}

// Remove drops the server registered on sock.
func (s *ServerHeap) Remove(sock int) (ServerNode, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	i, ok := s.h.ref[sock]
	if !ok {
		return ServerNode{}, false
	}
	node := heap.Remove(s.h, i).(*ServerNode)
	logger.Debug("deregistered server ", node.Name, "@", node.Host)
	return *node, true
}

// Min returns the least loaded server.
func (s *ServerHeap) Min() (ServerNode, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.h.Len() == 0 {
		return ServerNode{}, false
	}
	return *s.h.list[0], true
}

func (s *ServerHeap) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.h.Len()
}

// Snapshot copies all nodes ordered by connection count.
func (s *ServerHeap) Snapshot() []ServerNode {
	s.lock.Lock()
	ret := make([]ServerNode, 0, s.h.Len())
	for _, n := range s.h.list {
		ret = append(ret, *n)
	}
	s.lock.Unlock()
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Count < ret[j].Count })
	return ret
}

// Expire removes every server not heard from since deadline and returns
// them.
func (s *ServerHeap) Expire(deadline time.Time) []ServerNode {
	s.lock.Lock()
	defer s.lock.Unlock()
	var expired []ServerNode
	for i := 0; i < s.h.Len(); {
		if s.h.list[i].LastSeen.Before(deadline) {
			node := heap.Remove(s.h, i).(*ServerNode)
			logger.Debug("server expired: ", node.Name, "@", node.Host)
			expired = append(expired, *node)
			i = 0
			continue
		}
		i++
	}
	return expired
}
