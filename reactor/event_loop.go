package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/conn"
	"github.com/hetianyi/godisk/pool"
	"github.com/hetianyi/gox/logger"
)

// FrameHandler receives one complete frame read from c. It owns buf and
// must release it.
type FrameHandler func(buf *pool.Buffer, n int, c *conn.Conn)

const waitTimeoutMs = 1000

// EventLoop is a sub reactor. Its connection table is only touched from
// the goroutine running Run; other goroutines post to the mailbox.
type EventLoop struct {
	index   int
	poller  *Epoller
	wake    *wakeup
	conns   map[int]*conn.Conn
	count   int32
	pool    *pool.BytesPool
	timer   *HeapTimer
	idle    time.Duration
	handler FrameHandler

	mailLock sync.Mutex
	adds     []*conn.Conn
	closes   []*conn.Conn
	idles    []*conn.Conn
	finished bool

	stopped int32
	done    chan struct{}
}

func NewEventLoop(index int, p *pool.BytesPool, timer *HeapTimer, idle time.Duration, handler FrameHandler) (*EventLoop, error) {
	poller, err := NewEpoller(1024)
	if err != nil {
		return nil, err
	}
	wake, err := newWakeup()
	if err != nil {
		poller.Close()
		return nil, err
	}
	if err = poller.AddFd(wake.fd, EVENTS_CONN); err != nil {
		poller.Close()
		wake.close()
		return nil, err
	}
	return &EventLoop{
		index:   index,
		poller:  poller,
		wake:    wake,
		conns:   make(map[int]*conn.Conn),
		pool:    p,
		timer:   timer,
		idle:    idle,
		handler: handler,
		done:    make(chan struct{}),
	}, nil
}

func (l *EventLoop) Index() int {
	return l.index
}

// Len returns the number of registered connections.
func (l *EventLoop) Len() int {
	return int(atomic.LoadInt32(&l.count))
}

// post queues a mailbox change. It fails once the loop has shut down.
func (l *EventLoop) post(fn func()) bool {
	l.mailLock.Lock()
	defer l.mailLock.Unlock()
	if l.finished {
		return false
	}
	fn()
	l.wake.notify()
	return true
}

// AddConn hands c over to this loop.
func (l *EventLoop) AddConn(c *conn.Conn) {
	c.Owner = l.index
	if !l.post(func() { l.adds = append(l.adds, c) }) {
		c.Close()
	}
}

// CloseConn asks the loop to unregister and close c.
func (l *EventLoop) CloseConn(c *conn.Conn) {
	if !l.post(func() { l.closes = append(l.closes, c) }) {
		c.Close()
	}
}

func (l *EventLoop) expire(c *conn.Conn) {
	l.post(func() { l.idles = append(l.idles, c) })
}

// Stop makes Run return after closing every connection.
func (l *EventLoop) Stop() {
	if atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		l.mailLock.Lock()
		if !l.finished {
			l.wake.notify()
		}
		l.mailLock.Unlock()
	}
}

// Done is closed once Run returned.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Run processes readiness events until Stop is called.
func (l *EventLoop) Run() error {
	defer close(l.done)
	defer l.shutdown()
	for atomic.LoadInt32(&l.stopped) == 0 {
		n, err := l.poller.Wait(waitTimeoutMs)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			fd := l.poller.EventFd(i)
			if fd == l.wake.fd {
				l.wake.reset()
				continue
			}
			c := l.conns[fd]
			if c == nil {
				continue
			}
			l.onEvent(c, l.poller.Events(i))
		}
		l.processMailbox()
	}
	return nil
}

func (l *EventLoop) processMailbox() {
	l.mailLock.Lock()
	adds, closes, idles := l.adds, l.closes, l.idles
	l.adds, l.closes, l.idles = nil, nil, nil
	l.mailLock.Unlock()

	for _, c := range adds {
		l.register(c)
	}
	for _, c := range closes {
		l.closeConn(c)
	}
	for _, c := range idles {
		if l.conns[c.Fd()] != c {
			continue
		}
		// an active transfer is not idle
		if x := c.Transfer(); x != nil {
			if s := x.Status(); s == common.STATUS_DOING || s == common.STATUS_PAUSE {
				l.armTimer(c, l.idle)
				continue
			}
		}
		// read after the timer fired
		if rest := l.idle - c.IdleFor(); rest > 0 {
			l.armTimer(c, rest)
			continue
		}
		logger.Debug("connection ", c.RemoteAddr(), " idle timeout")
		l.closeConn(c)
	}
}

func (l *EventLoop) armTimer(c *conn.Conn, timeout time.Duration) {
	if l.timer == nil || l.idle <= 0 {
		return
	}
	l.timer.Add(c.Fd(), timeout, func() { l.expire(c) })
}

func (l *EventLoop) register(c *conn.Conn) {
	if c.Closed() {
		return
	}
	fd := c.Fd()
	if err := l.poller.AddFd(fd, EVENTS_CONN); err != nil {
		logger.Error("reactor ", l.index, " cannot register connection: ", err)
		c.Close()
		return
	}
	l.conns[fd] = c
	atomic.AddInt32(&l.count, 1)
	l.armTimer(c, l.idle)
	// data that arrived before registration produces no edge
	l.onRead(c)
}

func (l *EventLoop) onEvent(c *conn.Conn, events uint32) {
	if events&EVENTS_CONN_IN != 0 {
		if !l.onRead(c) {
			return
		}
	}
	if events&EVENTS_HANGUP != 0 {
		l.closeConn(c)
	}
}

// onRead drains c and hands every complete frame to the handler. It
// returns false when c was closed.
func (l *EventLoop) onRead(c *conn.Conn) bool {
	c.Touch()
	if l.timer != nil && l.idle > 0 {
		l.timer.Adjust(c.Fd(), l.idle)
	}
	eof, err := c.Drain(l.pool)
	for {
		buf, n, ferr := c.NextFrame(l.pool)
		if ferr != nil {
			logger.Warn("connection ", c.RemoteAddr(), ": ", ferr)
			l.closeConn(c)
			return false
		}
		if buf == nil {
			break
		}
		l.handler(buf, n, c)
	}
	if err != nil {
		logger.Debug("connection ", c.RemoteAddr(), " read error: ", err)
	}
	if eof || err != nil {
		l.closeConn(c)
		return false
	}
	return true
}

func (l *EventLoop) closeConn(c *conn.Conn) {
	fd := c.Fd()
	if l.conns[fd] != c {
		return
	}
	delete(l.conns, fd)
	atomic.AddInt32(&l.count, -1)
	l.poller.DelFd(fd)
	if l.timer != nil {
		l.timer.Remove(fd)
	}
	c.Close()
}

func (l *EventLoop) shutdown() {
	l.processMailbox()
	for _, c := range l.conns {
		l.closeConn(c)
	}
	l.mailLock.Lock()
	l.finished = true
	late := l.adds
	l.adds, l.closes, l.idles = nil, nil, nil
	l.mailLock.Unlock()
	for _, c := range late {
		c.Close()
	}
	l.poller.Close()
	l.wake.close()
	logger.Debug("reactor ", l.index, " stopped")
}
