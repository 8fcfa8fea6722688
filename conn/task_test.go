package conn_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/conn"
	"github.com/hetianyi/gox/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init(&logger.Config{
		Level: logger.DebugLevel,
	})
}

func TestTryAddHandledNeverExceedsTotal(t *testing.T) {
	task := conn.NewTask(common.TASK_UPLOAD, "a.txt", "m", "", 0, 5000)
	var wg sync.WaitGroup
	var lock sync.Mutex
	accepted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if task.TryAddHandled(2048) {
				lock.Lock()
				accepted++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, accepted)
	assert.Equal(t, uint64(4096), task.Handled())
	assert.True(t, task.TryAddHandled(904))
	assert.True(t, task.Complete())
	assert.False(t, task.TryAddHandled(1))
}

func TestSetHandledClamps(t *testing.T) {
	task := conn.NewTask(common.TASK_DOWNLOAD, "a", "m", "", 0, 10)
	task.SetHandled(100)
	assert.Equal(t, uint64(10), task.Handled())
}

func TestMapWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	require.NoError(t, err)
	require.NoError(t, conn.Preallocate(f, 16))

	task := conn.NewTask(common.TASK_UPLOAD, "a", "m", path, 0, 16)
	require.NoError(t, task.Map(f, 16, true))
	assert.True(t, task.Mapped())
	assert.Equal(t, common.ErrTaskMapped, task.Map(f, 16, true))

	assert.True(t, task.WriteAt(4, []byte("abcd")))
	assert.False(t, task.WriteAt(14, []byte("abcd")))

	dst := make([]byte, 4)
	assert.True(t, task.ReadAt(4, dst))
	assert.Equal(t, "abcd", string(dst))
	assert.False(t, task.ReadAt(13, dst))

	task.Release()
	task.Release()
	assert.False(t, task.Mapped())
	assert.False(t, task.ReadAt(0, dst))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, content, 16)
	assert.Equal(t, "abcd", string(content[4:8]))
}

func TestMapEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	f, err := os.Create(path)
	require.NoError(t, err)
	task := conn.NewTask(common.TASK_DOWNLOAD, "e", "m", path, 0, 0)
	require.NoError(t, task.Map(f, 0, false))
	assert.True(t, task.Complete())
	task.Release()
}

func mappedUpload(t *testing.T, size int) (*conn.Task, string) {
	path := filepath.Join(t.TempDir(), "blob")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	require.NoError(t, err)
	require.NoError(t, conn.Preallocate(f, int64(size)))
	task := conn.NewTask(common.TASK_UPLOAD, "a", "m", path, 0, uint64(size))
	require.NoError(t, task.Map(f, int64(size), true))
	t.Cleanup(task.Release)
	return task, path
}

func TestWrittenPrefixSkipsGaps(t *testing.T) {
	task, path := mappedUpload(t, 6144)
	task.TrackProgress(0)
	chunk := make([]byte, 2048)

	require.True(t, task.WriteAt(2048, chunk))
	assert.Equal(t, uint64(0), task.Written())
	require.True(t, task.WriteAt(0, chunk))
	assert.Equal(t, uint64(4096), task.Written())
	require.True(t, task.WriteAt(4096, chunk))
	assert.Equal(t, uint64(6144), task.Written())

	_, ok := conn.LoadProgress(path)
	assert.False(t, ok)
}

func TestProgressSavedEveryStep(t *testing.T) {
	const size = 200 << 10
	task, path := mappedUpload(t, size)
	task.TrackProgress(0)
	chunk := make([]byte, 2048)
	for off := 0; off < 70<<10; off += len(chunk) {
		require.True(t, task.WriteAt(uint64(off), chunk))
	}
	done, ok := conn.LoadProgress(path)
	require.True(t, ok)
	assert.Equal(t, uint64(64<<10), done)
	assert.Equal(t, uint64(70<<10), task.Written())
}
