package reactor_test

import (
	"testing"
	"time"

	"github.com/hetianyi/godisk/reactor"
	"github.com/hetianyi/gox/logger"
	"github.com/stretchr/testify/assert"
)

func init() {
	logger.Init(&logger.Config{
		Level: logger.DebugLevel,
	})
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func TestTickFiresInDeadlineOrder(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	timer := reactor.NewHeapTimerWithClock(clock.now)
	var fired []int
	for _, c := range []struct {
		id int
		ms int
	}{{1, 300}, {2, 100}, {3, 200}, {4, 50}} {
		id := c.id
		timer.Add(id, time.Duration(c.ms)*time.Millisecond, func() { fired = append(fired, id) })
	}
	assert.Equal(t, 50, timer.NextTick())

	clock.t = clock.t.Add(time.Millisecond * 49)
	timer.Tick()
	assert.Empty(t, fired)

	clock.t = clock.t.Add(time.Millisecond * 200)
	timer.Tick()
	assert.Equal(t, []int{4, 2, 3}, fired)
	assert.Equal(t, 1, timer.Len())
	assert.Equal(t, 51, timer.NextTick())
}

func TestAdjustPostponesDeadline(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	timer := reactor.NewHeapTimerWithClock(clock.now)
	fired := 0
	timer.Add(7, time.Second, func() { fired++ })
	clock.t = clock.t.Add(time.Millisecond * 900)
	timer.Adjust(7, time.Second)
	clock.t = clock.t.Add(time.Millisecond * 900)
	timer.Tick()
	assert.Equal(t, 0, fired)
	clock.t = clock.t.Add(time.Millisecond * 100)
	timer.Tick()
	assert.Equal(t, 1, fired)
	assert.Equal(t, -1, timer.NextTick())
}

func TestRemoveAndDoWork(t *testing.T) {
	timer := reactor.NewHeapTimer()
	fired := map[int]int{}
	for id := 1; id <= 5; id++ {
		id := id
		timer.Add(id, time.Hour, func() { fired[id]++ })
	}
	timer.Remove(3)
	timer.Remove(42)
	timer.DoWork(5)
	timer.DoWork(5)
	assert.Equal(t, 3, timer.Len())
	assert.Equal(t, map[int]int{5: 1}, fired)

	timer.Clear()
	assert.Equal(t, 0, timer.Len())
	assert.Equal(t, -1, timer.NextTick())
}

func TestAddExistingIdReplaces(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	timer := reactor.NewHeapTimerWithClock(clock.now)
	var got string
	timer.Add(1, time.Second, func() { got = "old" })
	timer.Add(1, time.Millisecond*10, func() { got = "new" })
	assert.Equal(t, 1, timer.Len())
	clock.t = clock.t.Add(time.Millisecond * 10)
	timer.Tick()
	assert.Equal(t, "new", got)
}

func TestCallbackMayReenterTimer(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	timer := reactor.NewHeapTimerWithClock(clock.now)
	timer.Add(1, 0, func() {
		timer.Add(2, time.Second, func() {})
	})
	timer.Tick()
	assert.Equal(t, 1, timer.Len())
}
