package conn

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/gox/logger"
	"golang.org/x/sys/unix"
)

// Task is the file side of one transfer. The open file and its mapping
// are set and released together.
type Task struct {
	Kind     common.TaskKind
	FileName string
	FileMd5  string
	Path     string
	ParentId uint64

	lock    sync.Mutex
	total   uint64
	handled uint64
	file    *os.File
	data    []byte

	// contiguous prefix of written bytes, persisted to progress
	progress string
	written  uint64
	saved    uint64
	ahead    map[uint64]uint64
}

// progressSaveStep is how far the written prefix advances between two
// saves of the progress file.
const progressSaveStep = 64 << 10

// ProgressPath returns the progress file kept next to an upload blob.
func ProgressPath(blob string) string {
	return blob + ".part"
}

// LoadProgress reads the written prefix recorded for blob.
func LoadProgress(blob string) (uint64, bool) {
	b, err := os.ReadFile(ProgressPath(blob))
	if err != nil || len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

func NewTask(kind common.TaskKind, fileName, md5, path string, parent, total uint64) *Task {
	return &Task{
		Kind:     kind,
		FileName: fileName,
		FileMd5:  md5,
		Path:     path,
		ParentId: parent,
		total:    total,
	}
}

func (t *Task) Total() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.total
}

func (t *Task) Handled() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.handled
}

// SetHandled moves the resume offset. Values past total are clamped.
func (t *Task) SetHandled(n uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if n > t.total {
		n = t.total
	}
	t.handled = n
}

// TryAddHandled adds n to the handled counter only if the result stays
// within total.
func (t *Task) TryAddHandled(n uint64) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if n > t.total-t.handled {
		return false
	}
	t.handled += n
	return true
}

// Complete reports handled == total.
func (t *Task) Complete() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.handled == t.total
}

// Map takes ownership of f and maps its first size bytes.
// Empty files keep the descriptor with an empty mapping.
func (t *Task) Map(f *os.File, size int64, writable bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.file != nil {
		return common.ErrTaskMapped
	}
	if size == 0 {
		t.file = f
		t.data = []byte{}
		return nil
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return os.NewSyscallError("mmap", err)
	}
	t.file = f
	t.data = data
	return nil
}

// TrackProgress starts recording the written prefix of an upload in its
// progress file, from the offset the upload resumes at.
func (t *Task) TrackProgress(from uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.progress = ProgressPath(t.Path)
	t.written = from
	t.saved = from
	t.ahead = make(map[uint64]uint64)
}

// Written returns the length of the prefix written without gaps.
func (t *Task) Written() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.written
}

// WriteAt copies b into the mapping at off.
func (t *Task) WriteAt(off uint64, b []byte) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.data == nil || off > uint64(len(t.data)) || uint64(len(b)) > uint64(len(t.data))-off {
		return false
	}
	copy(t.data[off:], b)
	if t.progress != "" {
		t.advance(off, uint64(len(b)))
	}
	return true
}

// advance moves the written prefix over [off, off+n) and any chunk that
// arrived ahead of it. Lock must be held.
func (t *Task) advance(off, n uint64) {
	switch {
	case off > t.written:
		t.ahead[off] = n
		return
	case off+n <= t.written:
		return
	}
	t.written = off + n
	for {
		l, ok := t.ahead[t.written]
		if !ok {
			break
		}
		delete(t.ahead, t.written)
		t.written += l
	}
	if t.written == t.total {
		os.Remove(t.progress)
		t.saved = t.written
		return
	}
	if t.written-t.saved < progressSaveStep {
		return
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], t.written)
	if err := os.WriteFile(t.progress, b[:], 0644); err != nil {
		logger.Warn("cannot save upload progress ", t.progress, ": ", err)
		return
	}
	t.saved = t.written
}

// ReadAt fills dst from the mapping at off. The copy holds the task lock
// so a concurrent Release cannot unmap underneath it.
func (t *Task) ReadAt(off uint64, dst []byte) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.data == nil || off > uint64(len(t.data)) || uint64(len(dst)) > uint64(len(t.data))-off {
		return false
	}
	copy(dst, t.data[off:])
	return true
}

// Release unmaps and closes the file. Safe to call more than once.
func (t *Task) Release() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.data) > 0 {
		if err := unix.Munmap(t.data); err != nil {
			logger.Error("munmap ", t.Path, " failed: ", err)
		}
	}
	t.data = nil
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// Mapped reports whether the task holds a file.
func (t *Task) Mapped() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.file != nil
}

// Preallocate reserves size bytes for f, falling back to ftruncate where
// fallocate is unsupported.
func Preallocate(f *os.File, size int64) error {
	if size == 0 {
		return f.Truncate(0)
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err == nil {
		return nil
	}
	return f.Truncate(size)
}
