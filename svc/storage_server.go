package svc

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/conn"
	"github.com/hetianyi/godisk/db"
	"github.com/hetianyi/godisk/pool"
	"github.com/hetianyi/godisk/reactor"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/logger"
	"github.com/logrusorgru/aurora"
	"golang.org/x/sync/errgroup"
)

const (
	handshakeTimeout = time.Second * 10
	maxTickWait      = time.Second
)

// StorageServer owns the two client listeners, the sub reactors serving
// the accepted connections and the workers running the handlers.
type StorageServer struct {
	config    *common.StorageConfig
	tlsConfig *tls.Config
	pool      *pool.BytesPool
	queue     *pool.WorkQueue
	dbPool    *db.Pool
	timer     *reactor.HeapTimer
	loops     []*reactor.EventLoop
	group     *errgroup.Group
	link      *balancerLink
	http      *statusServer

	shortListener    *net.TCPListener
	transferListener *net.TCPListener

	state    int32
	stopChan chan struct{}
	wg       sync.WaitGroup
}

const (
	serverCreated int32 = iota
	serverRunning
	serverStopped
)

// NewStorageServer builds a server from a validated config.
func NewStorageServer(c *common.StorageConfig, tlsConfig *tls.Config) (*StorageServer, error) {
	dbPool, err := db.NewPool(c.DBFile, c.RootDir, c.DBPoolSize)
	if err != nil {
		return nil, err
	}
	s := &StorageServer{
		config:    c,
		tlsConfig: tlsConfig,
		pool:      pool.NewBytesPool(c.BufferSize, c.BufferSeed, pool.DefaultRetention),
		dbPool:    dbPool,
		timer:     reactor.NewHeapTimer(),
		stopChan:  make(chan struct{}),
	}
	idle := time.Duration(c.IdleTimeoutMs) * time.Millisecond
	for i := 0; i < c.SubReactors; i++ {
		loop, err := reactor.NewEventLoop(i, s.pool, s.timer, idle, s.onFrame)
		if err != nil {
			for _, l := range s.loops {
				l.Stop()
				l.Run()
			}
			dbPool.Close()
			return nil, err
		}
		s.loops = append(s.loops, loop)
	}
	return s, nil
}

// Start listens on both ports and starts serving. It returns once the
// server is accepting connections.
func (s *StorageServer) Start() error {
	if !atomic.CompareAndSwapInt32(&s.state, serverCreated, serverRunning) {
		return common.ErrServerState
	}
	var err error
	if s.shortListener, err = listenTCP(s.config.BindAddress, s.config.ShortPort); err != nil {
		return err
	}
	if s.transferListener, err = listenTCP(s.config.BindAddress, s.config.TransferPort); err != nil {
		s.shortListener.Close()
		return err
	}
	s.queue = pool.NewWorkQueue(s.config.Workers)
	s.pool.StartSweeper(pool.DefaultSweepInterval)
	s.group = new(errgroup.Group)
	for _, l := range s.loops {
		s.group.Go(l.Run)
	}
	s.wg.Add(3)
	go s.acceptLoop(s.shortListener, common.CONN_SHORT)
	go s.acceptLoop(s.transferListener, common.CONN_TRANSFER)
	go s.tickLoop()

	logger.Info(" short task server listening on ", s.shortListener.Addr())
	logger.Info(" transfer server listening on ", s.transferListener.Addr())
	if s.config.ParsedBalancer != nil {
		s.link, err = dialBalancer(s.config, s.pool, s.advertisePack())
		if err != nil {
			logger.Warn("cannot register to balancer ", s.config.ParsedBalancer.ConnectionString(), ", running standalone: ", err)
		}
	}
	if s.config.EnableHttp {
		if s.http, err = startStatusServer(s.config.BindAddress, s.config.HttpPort, s.storageStatusRoutes); err != nil {
			logger.Error("cannot start http server: ", err)
		}
	}
	logger.Info(aurora.BrightGreen("::: storage server started :::"))
	return nil
}

func listenTCP(host string, port int) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", host+":"+convert.IntToStr(port))
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

// ShortAddr returns the bound address of the short task listener.
func (s *StorageServer) ShortAddr() *net.TCPAddr {
	return s.shortListener.Addr().(*net.TCPAddr)
}

// TransferAddr returns the bound address of the transfer listener.
func (s *StorageServer) TransferAddr() *net.TCPAddr {
	return s.transferListener.Addr().(*net.TCPAddr)
}

func (s *StorageServer) advertisePack() *bridge.ServerInfoPack {
	host := s.config.AdvertiseAddress
	if host == "" {
		host = s.ShortAddr().IP.String()
	}
	return bridge.NewServerInfoPack(s.config.Name, host,
		uint32(s.ShortAddr().Port), uint32(s.TransferAddr().Port), uint64(conn.LiveUsers()))
}

func (s *StorageServer) running() bool {
	return atomic.LoadInt32(&s.state) == serverRunning
}

func (s *StorageServer) acceptLoop(ln *net.TCPListener, kind common.ConnKind) {
	defer s.wg.Done()
	for {
		tc, err := ln.AcceptTCP()
		if err != nil {
			if !s.running() {
				return
			}
			logger.Error("error accepting new connection: ", err)
			time.Sleep(time.Millisecond * 50)
			continue
		}
		if conn.LiveUsers() >= int64(s.config.MaxConnections) {
			logger.Warn("too many connections, refuse ", tc.RemoteAddr())
			tc.Close()
			continue
		}
		go s.handshake(tc, kind)
	}
}

// handshake upgrades an accepted socket to TLS and hands it to the sub
// reactor chosen by its descriptor.
func (s *StorageServer) handshake(tc *net.TCPConn, kind common.ConnKind) {
	remote := tc.RemoteAddr()
	c, err := conn.Upgrade(tc, s.tlsConfig, kind, handshakeTimeout)
	if err != nil {
		logger.Debug("tls handshake with ", remote, " failed: ", err)
		return
	}
	if !s.running() {
		c.Close()
		return
	}
	loop := s.loops[c.Fd()%len(s.loops)]
	logger.Debug("accept connection ", remote, " on reactor ", loop.Index())
	loop.AddConn(c)
}

// tickLoop fires the idle timers. Expired connections are closed by their
// own reactor.
func (s *StorageServer) tickLoop() {
	defer s.wg.Done()
	for {
		wait := maxTickWait
		if next := s.timer.NextTick(); next >= 0 && time.Duration(next)*time.Millisecond < wait {
			wait = time.Duration(next) * time.Millisecond
		}
		select {
		case <-s.stopChan:
			return
		case <-time.After(wait):
			s.timer.Tick()
		}
	}
}

// onFrame runs on a reactor goroutine and moves the frame to a worker.
func (s *StorageServer) onFrame(buf *pool.Buffer, n int, c *conn.Conn) {
	ok := s.queue.AddTask(func() {
		defer buf.Release()
		s.dispatch(buf.Bytes()[:n], c)
	})
	if !ok {
		buf.Release()
	}
}

func (s *StorageServer) closeConn(c *conn.Conn) {
	if c.Owner >= 0 && c.Owner < len(s.loops) {
		s.loops[c.Owner].CloseConn(c)
	}
}

// LiveConnections returns the number of open client connections.
func (s *StorageServer) LiveConnections() int64 {
	return conn.LiveUsers()
}

// Shutdown stops accepting, stops the reactors, drains the workers, then
// closes the database and tells the balancer this server is gone.
func (s *StorageServer) Shutdown() {
	if !atomic.CompareAndSwapInt32(&s.state, serverRunning, serverStopped) {
		return
	}
	logger.Info("storage server shutting down")
	s.shortListener.Close()
	s.transferListener.Close()
	close(s.stopChan)
	for _, l := range s.loops {
		l.Stop()
	}
	if err := s.group.Wait(); err != nil {
		logger.Error("reactor exited with error: ", err)
	}
	s.queue.Close()
	s.wg.Wait()
	s.timer.Clear()
	if s.http != nil {
		s.http.close()
	}
	if err := s.dbPool.Close(); err != nil {
		logger.Error("close db: ", err)
	}
	if s.link != nil {
		s.link.close()
	}
	s.pool.Close()
	logger.Info("storage server stopped")
}
