package conn

import (
	"bytes"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/pool"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
)

var liveUsers int64

// LiveUsers returns the number of open client connections of this process.
func LiveUsers() int64 {
	return atomic.LoadInt64(&liveUsers)
}

// Conn is a TLS client connection registered with one event loop.
// Short connections carry metadata requests, transfer connections
// additionally own a TransferConn.
type Conn struct {
	kind common.ConnKind
	raw  *FdConn
	tls  *tls.Conn
	// Owner is the index of the event loop the connection is registered with.
	Owner int

	inbuf    bytes.Buffer
	sendLock sync.Mutex
	closed   int32
	verified int32
	active   int64 // unix nanos of the last read

	userLock sync.RWMutex
	user     *common.UserInfo

	xfer *TransferConn
}

// Upgrade takes over tc, runs the server side TLS handshake in blocking
// mode bounded by timeout and leaves the socket non-blocking.
func Upgrade(tc *net.TCPConn, cfg *tls.Config, kind common.ConnKind, timeout time.Duration) (*Conn, error) {
	raw, err := NewFdConn(tc)
	if err != nil {
		tc.Close()
		return nil, err
	}
	if err = raw.SetIOTimeout(timeout); err != nil {
		raw.Close()
		return nil, err
	}
	sc := tls.Server(raw, cfg)
	if err = sc.Handshake(); err != nil {
		raw.Close()
		return nil, err
	}
	if err = raw.SetIOTimeout(0); err != nil {
		raw.Close()
		return nil, err
	}
	if err = raw.SetNonblock(); err != nil {
		raw.Close()
		return nil, err
	}
	return newConn(kind, raw, sc), nil
}

func newConn(kind common.ConnKind, raw *FdConn, tc *tls.Conn) *Conn {
	c := &Conn{kind: kind, raw: raw, tls: tc, active: time.Now().UnixNano()}
	if kind == common.CONN_TRANSFER {
		c.xfer = newTransferConn(c)
	}
	atomic.AddInt64(&liveUsers, 1)
	return c
}

func (c *Conn) Fd() int               { return c.raw.Fd() }
func (c *Conn) Kind() common.ConnKind { return c.kind }
func (c *Conn) RemoteAddr() net.Addr  { return c.raw.RemoteAddr() }
func (c *Conn) Closed() bool          { return atomic.LoadInt32(&c.closed) == 1 }

// Touch records read activity.
func (c *Conn) Touch() {
	atomic.StoreInt64(&c.active, time.Now().UnixNano())
}

// IdleFor returns the time since the last read.
func (c *Conn) IdleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&c.active))
}

// Transfer returns the transfer state, nil for short connections.
func (c *Conn) Transfer() *TransferConn {
	return c.xfer
}

func (c *Conn) Verified() bool {
	return atomic.LoadInt32(&c.verified) == 1
}

func (c *Conn) SetVerified(v bool) {
	if v {
		atomic.StoreInt32(&c.verified, 1)
	} else {
		atomic.StoreInt32(&c.verified, 0)
	}
}

// User returns the identity cached at sign-in, or nil.
func (c *Conn) User() *common.UserInfo {
	c.userLock.RLock()
	defer c.userLock.RUnlock()
	return c.user
}

func (c *Conn) SetUser(u *common.UserInfo) {
	c.userLock.Lock()
	defer c.userLock.Unlock()
	c.user = u
}

// Send writes one record under the send lock.
func (c *Conn) Send(p *pool.BytesPool, r bridge.Record) error {
	return c.SendAll(p, r)
}

// SendAll writes records back to back without releasing the send lock,
// so no other writer can interleave.
func (c *Conn) SendAll(p *pool.BytesPool, records ...bridge.Record) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if c.Closed() {
		return common.ErrConnClosed
	}
	for _, r := range records {
		if err := bridge.WriteRecord(c.tls, p, r); err != nil {
			return err
		}
	}
	return nil
}

// Drain reads everything the socket and the TLS layer have buffered into
// the input buffer. It stops when a read would block and the kernel
// reports no pending bytes. eof is true when the peer closed.
// Only the owning event loop calls Drain.
func (c *Conn) Drain(p *pool.BytesPool) (eof bool, err error) {
	buf := p.Apply()
	defer buf.Release()
	b := buf.Bytes()
	if len(b) > common.READ_CHUNK_SIZE {
		b = b[:common.READ_CHUNK_SIZE]
	}
	for {
		n, rerr := c.tls.Read(b)
		if n > 0 {
			c.inbuf.Write(b[:n])
		}
		if rerr == nil {
			continue
		}
		if rerr == ErrWouldBlock {
			if c.raw.Pending() > 0 {
				continue
			}
			return false, nil
		}
		if isEOF(rerr) {
			return true, nil
		}
		return false, rerr
	}
}

// NextFrame moves the next complete frame from the input buffer into a
// pool buffer. It returns a nil buffer when the frame is still incomplete
// and bridge.ErrFrameTooLarge when the declared frame cannot fit a pool
// buffer.
func (c *Conn) NextFrame(p *pool.BytesPool) (*pool.Buffer, int, error) {
	h, ok := bridge.PeekHeader(c.inbuf.Bytes())
	if !ok {
		return nil, 0, nil
	}
	n := h.FrameLen()
	if n > p.BufferSize() {
		return nil, 0, bridge.ErrFrameTooLarge
	}
	if c.inbuf.Len() < n {
		return nil, 0, nil
	}
	buf := p.Apply()
	c.inbuf.Read(buf.Bytes()[:n])
	return buf, n, nil
}

// Close shuts the connection down once: transfer waiters are woken and
// the task is released, then close_notify is sent and the socket closed.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	atomic.AddInt64(&liveUsers, -1)
	if c.xfer != nil {
		c.xfer.teardown()
	}
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	c.inbuf.Reset()
	return c.tls.Close()
}

// TransferConn is the state machine of a transfer connection.
type TransferConn struct {
	conn   *Conn
	lock   sync.Mutex
	cond   *sync.Cond
	status common.TransferStatus
	task   *Task
}

func newTransferConn(c *Conn) *TransferConn {
	t := &TransferConn{conn: c, status: common.STATUS_START}
	t.cond = sync.NewCond(&t.lock)
	return t
}

func (t *TransferConn) Status() common.TransferStatus {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.status
}

// SetStatus changes the status and wakes every waiter.
func (t *TransferConn) SetStatus(s common.TransferStatus) {
	t.lock.Lock()
	t.status = s
	t.lock.Unlock()
	t.cond.Broadcast()
}

// CompareAndSetStatus moves old to new atomically.
func (t *TransferConn) CompareAndSetStatus(old, new common.TransferStatus) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.status != old {
		return false
	}
	t.status = new
	return true
}

// Control applies a status change only while the transfer is DOING or
// PAUSE.
func (t *TransferConn) Control(s common.TransferStatus) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.status != common.STATUS_DOING && t.status != common.STATUS_PAUSE {
		return false
	}
	t.status = s
	return true
}

// WaitWhilePaused blocks while the status is PAUSE and returns the status
// that ended the wait.
func (t *TransferConn) WaitWhilePaused() common.TransferStatus {
	t.lock.Lock()
	defer t.lock.Unlock()
	for t.status == common.STATUS_PAUSE {
		t.cond.Wait()
	}
	return t.status
}

func (t *TransferConn) NotifyOne() { t.cond.Signal() }
func (t *TransferConn) NotifyAll() { t.cond.Broadcast() }

func (t *TransferConn) Task() *Task {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.task
}

// SetTask installs the task of this transfer. A second task is refused.
func (t *TransferConn) SetTask(task *Task) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.task != nil {
		return false
	}
	t.task = task
	return true
}

func (t *TransferConn) teardown() {
	t.lock.Lock()
	t.status = common.STATUS_CLOSE
	task := t.task
	t.lock.Unlock()
	t.cond.Broadcast()
	if task == nil {
		return
	}
	task.Release()
	if task.Kind == common.TASK_UPLOAD && task.Path != "" && !task.Complete() {
		if file.Exists(ProgressPath(task.Path)) {
			file.Delete(ProgressPath(task.Path))
		}
		if !file.Delete(task.Path) {
			logger.Error("cannot remove partial upload ", task.Path)
		} else {
			logger.Info("removed partial upload ", task.Path)
		}
	}
}
