package db_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/db"
	"github.com/hetianyi/gox/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init(&logger.Config{
		Level: logger.InfoLevel,
	})
}

func newPool(t *testing.T, size int) (*db.Pool, string) {
	dir := t.TempDir()
	root := filepath.Join(dir, common.ROOT_DIR_NAME)
	require.NoError(t, os.MkdirAll(root, 0755))
	pool, err := db.NewPool(filepath.Join(dir, "meta.db"), root, size)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool, root
}

func getStore(t *testing.T, pool *db.Pool) db.Store {
	s, err := pool.GetDB()
	require.NoError(t, err)
	t.Cleanup(func() { pool.ReturnDB(s) })
	return s
}

func TestUserLifecycle(t *testing.T) {
	pool, _ := newPool(t, 1)
	s := getStore(t, pool)

	exist, err := s.GetUserExist("alice")
	require.NoError(t, err)
	assert.False(t, exist)

	require.NoError(t, s.InsertUser("alice", "pw", "cipher"))
	exist, err = s.GetUserExist("alice")
	require.NoError(t, err)
	assert.True(t, exist)

	info, err := s.GetUserInfo("alice", "wrong")
	require.NoError(t, err)
	assert.Nil(t, info)

	info, err = s.GetUserInfo("alice", "pw")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "cipher", info.Cipher)
	assert.Equal(t, strconv.FormatUint(common.DEFAULT_CAPACITY, 10), info.CapacitySum)
	assert.Equal(t, "0", info.UsedCapacity)
	assert.False(t, info.Vip())

	assert.Error(t, s.InsertUser("alice", "pw2", "c"))
}

func TestInsertFileDataNumbersAndGrades(t *testing.T) {
	pool, _ := newPool(t, 1)
	s := getStore(t, pool)
	require.NoError(t, s.InsertUser("bob", "pw", "c"))

	dir, err := s.InsertFileData("bob", "docs", "", 0, 0, common.DIR_SUFFIX)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dir)

	sub, err := s.InsertFileData("bob", "sub", "", 0, dir, common.DIR_SUFFIX)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sub)

	f, err := s.InsertFileData("bob", "a.txt", "m1", 5000, sub, "txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f)

	orphan, err := s.InsertFileData("bob", "b.txt", "m2", 10, 99, "txt")
	require.NoError(t, err)

	entries, err := s.GetUserAllFileInfo("bob")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	grades := map[uint64]uint32{}
	for _, e := range entries {
		grades[e.FileId] = e.DirGrade
	}
	assert.Equal(t, uint32(0), grades[dir])
	assert.Equal(t, uint32(1), grades[sub])
	assert.Equal(t, uint32(2), grades[f])
	assert.Equal(t, uint32(0), grades[orphan])
	assert.Equal(t, uint64(5000), entries[2].FileSize)
	assert.NotEmpty(t, entries[2].FileDate)

	info, err := s.GetUserInfo("bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, "5010", info.UsedCapacity)

	md5, ok, err := s.GetFileMd5("bob", f)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "m1", md5)

	_, ok, err = s.GetFileMd5("bob", dir)
	require.NoError(t, err)
	assert.False(t, ok)

	// ids are numbered per user
	require.NoError(t, s.InsertUser("carol", "pw", "c"))
	id, err := s.InsertFileData("carol", "x", "m3", 1, 0, "bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestSpaceAndExistence(t *testing.T) {
	pool, _ := newPool(t, 1)
	s := getStore(t, pool)
	require.NoError(t, s.InsertUser("dave", "pw", "c"))

	ok, err := s.GetIsEnoughSpace("dave", "pw", common.DEFAULT_CAPACITY)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.GetIsEnoughSpace("dave", "pw", common.DEFAULT_CAPACITY+1)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.GetIsEnoughSpace("dave", "bad", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	exist, err := s.GetFileExist("dave", "m")
	require.NoError(t, err)
	assert.False(t, exist)
	_, err = s.InsertFileData("dave", "f", "m", 1, 0, "txt")
	require.NoError(t, err)
	exist, err = s.GetFileExist("dave", "m")
	require.NoError(t, err)
	assert.True(t, exist)
}

func TestDeleteRemovesBlobWithLastReference(t *testing.T) {
	pool, root := newPool(t, 1)
	s := getStore(t, pool)
	require.NoError(t, s.InsertUser("erin", "pw", "c"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "erin"), 0755))
	blob := filepath.Join(root, "erin", "m")
	require.NoError(t, os.WriteFile(blob, []byte("hello"), 0644))

	a, err := s.InsertFileData("erin", "a", "m", 5, 0, "txt")
	require.NoError(t, err)
	b, err := s.InsertFileData("erin", "b", "m", 5, 0, "txt")
	require.NoError(t, err)

	ok, err := s.DeleteOneFile("erin", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteOneFile("erin", a)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, blob)

	ok, err = s.DeleteOneFile("erin", b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, blob)

	info, err := s.GetUserInfo("erin", "pw")
	require.NoError(t, err)
	assert.Equal(t, "0", info.UsedCapacity)

	ok, err = s.DeleteOneFile("erin", b)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteDirRecursive(t *testing.T) {
	pool, root := newPool(t, 1)
	s := getStore(t, pool)
	require.NoError(t, s.InsertUser("finn", "pw", "c"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "finn"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "finn", "m1"), []byte("1"), 0644))

	top, _ := s.InsertFileData("finn", "top", "", 0, 0, common.DIR_SUFFIX)
	sub, _ := s.InsertFileData("finn", "sub", "", 0, top, common.DIR_SUFFIX)
	_, err := s.InsertFileData("finn", "f1", "m1", 1, sub, "txt")
	require.NoError(t, err)
	keep, err := s.InsertFileData("finn", "keep", "m2", 2, 0, "txt")
	require.NoError(t, err)

	ok, err := s.DeleteOneDir("finn", top)
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := s.GetUserAllFileInfo("finn")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keep, entries[0].FileId)
	assert.NoFileExists(t, filepath.Join(root, "finn", "m1"))

	ok, err = s.DeleteOneDir("finn", top)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPoolBlocksUntilReturn(t *testing.T) {
	pool, _ := newPool(t, 1)
	s, err := pool.GetDB()
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Free())

	got := make(chan db.Store)
	go func() {
		s2, _ := pool.GetDB()
		got <- s2
	}()
	select {
	case <-got:
		t.Fatal("GetDB must block while the pool is empty")
	case <-time.After(time.Millisecond * 50):
	}
	pool.ReturnDB(s)
	s2 := <-got
	require.NotNil(t, s2)
	pool.ReturnDB(s2)
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	pool, _ := newPool(t, 1)
	_, err := pool.GetDB()
	require.NoError(t, err)
	errs := make(chan error)
	go func() {
		_, err := pool.GetDB()
		errs <- err
	}()
	time.Sleep(time.Millisecond * 20)
	require.NoError(t, pool.Close())
	assert.Equal(t, common.ErrPoolClosed, <-errs)
}
