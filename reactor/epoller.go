package reactor

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	// EVENTS_CONN is the registration used for client sockets.
	EVENTS_CONN    = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET
	EVENTS_CONN_IN = unix.EPOLLIN
	// EVENTS_HANGUP marks a peer that is gone or a socket in error.
	EVENTS_HANGUP = unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
)

// Epoller wraps one epoll instance.
type Epoller struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoller(maxEvents int) (*Epoller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Epoller{fd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func (e *Epoller) ctl(op int, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, op, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (e *Epoller) AddFd(fd int, events uint32) error {
	return e.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

func (e *Epoller) DelFd(fd int) error {
	return e.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

// Wait blocks up to timeoutMs (-1 forever) and returns the number of
// ready descriptors. An interrupted wait reports zero events.
func (e *Epoller) Wait(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMs)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	return n, nil
}

// EventFd returns the descriptor of the i-th ready event.
func (e *Epoller) EventFd(i int) int {
	return int(e.events[i].Fd)
}

// Events returns the ready mask of the i-th event.
func (e *Epoller) Events(i int) uint32 {
	return e.events[i].Events
}

func (e *Epoller) Close() error {
	return unix.Close(e.fd)
}

// wakeup is an eventfd used to interrupt Wait from other goroutines.
type wakeup struct {
	fd int
}

func newWakeup() (*wakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &wakeup{fd: fd}, nil
}

func (w *wakeup) notify() {
	// any non-zero counter wakes the reader
	one := [8]byte{1}
	unix.Write(w.fd, one[:])
}

func (w *wakeup) reset() {
	var b [8]byte
	unix.Read(w.fd, b[:])
}

func (w *wakeup) close() {
	unix.Close(w.fd)
}
