package db

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/gox/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Pool hands out a fixed number of Store handles. GetDB blocks while all
// of them are in use.
type Pool struct {
	base    *gorm.DB
	size    int
	stores  *list.List
	lock    *sync.Mutex
	cond    *sync.Cond
	closed  bool
	rootDir string
}

// NewPool opens (and migrates) the sqlite database at dbFile. rootDir is
// the directory holding the users' blobs.
func NewPool(dbFile, rootDir string, size int) (*Pool, error) {
	if size <= 0 {
		size = common.DEFAULT_DB_POOL_SIZE
	}
	dsn := dbFile + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	base, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: &gormLog{slow: time.Millisecond * 200},
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := base.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; serialize on a single connection
	sqlDB.SetMaxOpenConns(1)
	if err = base.AutoMigrate(&UserDO{}, &FileDirDO{}); err != nil {
		sqlDB.Close()
		return nil, err
	}
	lock := new(sync.Mutex)
	pool := &Pool{
		base:    base,
		size:    size,
		stores:  list.New(),
		lock:    lock,
		cond:    sync.NewCond(lock),
		rootDir: rootDir,
	}
	for i := 0; i < size; i++ {
		pool.stores.PushBack(&GormStore{
			db:      base.Session(&gorm.Session{}),
			rootDir: rootDir,
			index:   i,
		})
	}
	logger.Debug("db pool initialized with ", size, " handles: ", dbFile)
	return pool, nil
}

// GetDB takes a handle, waiting for one to be returned if necessary.
func (pool *Pool) GetDB() (Store, error) {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	for pool.stores.Len() == 0 && !pool.closed {
		pool.cond.Wait()
	}
	if pool.closed {
		return nil, common.ErrPoolClosed
	}
	s := pool.stores.Remove(pool.stores.Front()).(*GormStore)
	return s, nil
}

// ReturnDB gives a handle back.
func (pool *Pool) ReturnDB(s Store) {
	gs, ok := s.(*GormStore)
	if !ok || gs == nil {
		logger.Error("return of a foreign db handle")
		return
	}
	pool.lock.Lock()
	pool.stores.PushBack(gs)
	pool.lock.Unlock()
	pool.cond.Signal()
}

// Free returns the number of idle handles.
func (pool *Pool) Free() int {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	return pool.stores.Len()
}

// Close wakes blocked callers and closes the database.
func (pool *Pool) Close() error {
	pool.lock.Lock()
	if pool.closed {
		pool.lock.Unlock()
		return nil
	}
	pool.closed = true
	pool.lock.Unlock()
	pool.cond.Broadcast()
	sqlDB, err := pool.base.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLog routes gorm output to the process logger.
type gormLog struct {
	slow time.Duration
}

func (l *gormLog) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *gormLog) Info(_ context.Context, msg string, args ...interface{}) {
	logger.Info(fmt.Sprintf(msg, args...))
}

func (l *gormLog) Warn(_ context.Context, msg string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(msg, args...))
}

func (l *gormLog) Error(_ context.Context, msg string, args ...interface{}) {
	logger.Error(fmt.Sprintf(msg, args...))
}

func (l *gormLog) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, _ := fc()
		logger.Error("sql error: ", err, "\n\t", sql)
	case elapsed > l.slow:
		sql, rows := fc()
		logger.Warn("slow sql (", elapsed, ", ", rows, " rows):\n\t", sql)
	default:
		sql, _ := fc()
		logger.Debug("exec SQL:\n\t", sql)
	}
}
