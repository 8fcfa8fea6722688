package conn

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by FdConn.Read when a non-blocking socket has
// no data. It is a temporary net.Error, so a tls.Conn keeps its state and
// the partial record it already buffered.
var ErrWouldBlock net.Error = wouldBlock{}

type wouldBlock struct{}

func (wouldBlock) Error() string   { return "operation would block" }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

var errWriteTimeout = errors.New("write timeout")

const defaultWriteTimeout = time.Second * 30

// FdConn is a net.Conn over a socket descriptor that is driven by an
// epoll loop instead of the Go netpoller.
type FdConn struct {
	fd            int
	local, remote net.Addr
	writeTimeout  time.Duration
	writeDeadline atomic.Value
	closed        int32
}

// NewFdConn takes over the socket of c. On success c is closed and the
// returned FdConn owns a duplicate descriptor in blocking mode.
func NewFdConn(c *net.TCPConn) (*FdConn, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	var dupErr error
	if err := rc.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, os.NewSyscallError("dup", dupErr)
	}
	fc := &FdConn{
		fd:           fd,
		local:        c.LocalAddr(),
		remote:       c.RemoteAddr(),
		writeTimeout: defaultWriteTimeout,
	}
	c.Close()
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setnonblock", err)
	}
	unix.CloseOnExec(fd)
	return fc, nil
}

// Fd returns the owned descriptor.
func (c *FdConn) Fd() int {
	return c.fd
}

// SetIOTimeout bounds blocking reads and writes while the descriptor is
// still in blocking mode (TLS handshake).
func (c *FdConn) SetIOTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}

// SetNonblock switches the descriptor to non-blocking mode.
func (c *FdConn) SetNonblock() error {
	if err := unix.SetNonblock(c.fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	return nil
}

// Pending returns the number of bytes queued in the kernel receive buffer.
func (c *FdConn) Pending() int {
	n, err := unix.IoctlGetInt(c.fd, unix.TIOCINQ)
	if err != nil {
		return 0
	}
	return n
}

func (c *FdConn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(c.fd, b)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		}
		return 0, c.opError("read", err)
	}
}

// Write blocks until b is fully written, polling for writability when the
// socket buffer is full.
func (c *FdConn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := unix.Write(c.fd, b[written:])
		if err == nil {
			written += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if werr := c.waitWritable(); werr != nil {
				return written, werr
			}
			continue
		}
		return written, c.opError("write", err)
	}
	return written, nil
}

func (c *FdConn) waitWritable() error {
	timeout := c.writeTimeout
	if d, ok := c.writeDeadline.Load().(time.Time); ok && !d.IsZero() {
		timeout = time.Until(d)
		if timeout <= 0 {
			return c.opError("write", errWriteTimeout)
		}
	}
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return c.opError("poll", err)
		}
		if n == 0 {
			return c.opError("write", errWriteTimeout)
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return c.opError("write", unix.EPIPE)
		}
		return nil
	}
}

func (c *FdConn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "tcp", Source: c.local, Addr: c.remote, Err: err}
}

func (c *FdConn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return unix.Close(c.fd)
}

func (c *FdConn) LocalAddr() net.Addr  { return c.local }
func (c *FdConn) RemoteAddr() net.Addr { return c.remote }

func (c *FdConn) SetDeadline(t time.Time) error {
	return c.SetWriteDeadline(t)
}

// SetReadDeadline is a no-op: readiness comes from epoll.
func (c *FdConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *FdConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Store(t)
	return nil
}
