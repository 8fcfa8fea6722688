package reg_test

import (
	"testing"
	"time"

	"github.com/hetianyi/godisk/reg"
	"github.com/hetianyi/gox/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init(&logger.Config{
		Level: logger.DebugLevel,
	})
}

func TestMinRegardlessOfOrder(t *testing.T) {
	orders := [][]uint64{{5, 1, 3}, {1, 3, 5}, {3, 5, 1}}
	for _, counts := range orders {
		h := reg.NewServerHeap()
		for i, c := range counts {
			h.Add(reg.ServerNode{Sock: 10 + i, Name: "s", Count: c})
		}
		min, ok := h.Min()
		require.True(t, ok)
		assert.Equal(t, uint64(1), min.Count)
	}
}

func TestAdjustAndRemove(t *testing.T) {
	h := reg.NewServerHeap()
	_, ok := h.Min()
	assert.False(t, ok)

	h.Add(reg.ServerNode{Sock: 1, Name: "a", Count: 5})
	h.Add(reg.ServerNode{Sock: 2, Name: "b", Count: 1})
	h.Add(reg.ServerNode{Sock: 3, Name: "c", Count: 3})

	assert.True(t, h.Adjust(2, 10))
	assert.False(t, h.Adjust(42, 0))
	min, _ := h.Min()
	assert.Equal(t, "c", min.Name)

	node, ok := h.Remove(3)
	require.True(t, ok)
	assert.Equal(t, "c", node.Name)
	_, ok = h.Remove(3)
	assert.False(t, ok)

	min, _ = h.Min()
	assert.Equal(t, "a", min.Name)
	assert.Equal(t, 2, h.Len())

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, "b", snap[1].Name)
}

func TestAddSameSockReplaces(t *testing.T) {
	h := reg.NewServerHeap()
	h.Add(reg.ServerNode{Sock: 1, Name: "a", Count: 5})
	h.Add(reg.ServerNode{Sock: 1, Name: "a2", Count: 0})
	assert.Equal(t, 1, h.Len())
	min, _ := h.Min()
	assert.Equal(t, "a2", min.Name)
}

func TestHeapInvariantUnderChurn(t *testing.T) {
	h := reg.NewServerHeap()
	counts := []uint64{9, 4, 7, 1, 8, 2, 6, 3, 5, 0}
	for i, c := range counts {
		h.Add(reg.ServerNode{Sock: i, Count: c})
	}
	h.Adjust(9, 100)
	h.Adjust(0, 0)
	h.Remove(3)
	snap := h.Snapshot()
	min, _ := h.Min()
	assert.Equal(t, snap[0].Count, min.Count)
	for i := 1; i < len(snap); i++ {
		assert.LessOrEqual(t, snap[i-1].Count, snap[i].Count)
	}
}

func TestExpire(t *testing.T) {
	h := reg.NewServerHeap()
	old := time.Now().Add(-time.Minute)
	h.Add(reg.ServerNode{Sock: 1, Name: "stale", Count: 0, LastSeen: old})
	h.Add(reg.ServerNode{Sock: 2, Name: "fresh", Count: 3})
	h.Add(reg.ServerNode{Sock: 3, Name: "stale2", Count: 9, LastSeen: old})

	expired := h.Expire(time.Now().Add(-time.Second * 30))
	assert.Len(t, expired, 2)
	assert.Equal(t, 1, h.Len())
	min, _ := h.Min()
	assert.Equal(t, "fresh", min.Name)
}
