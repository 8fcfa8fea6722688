package svc

import (
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/pool"
	"github.com/hetianyi/godisk/reg"
	"github.com/hetianyi/godisk/util"
	"github.com/hetianyi/gox"
	"github.com/hetianyi/gox/logger"
	"github.com/hetianyi/gox/timer"
	"github.com/logrusorgru/aurora"
)

const registerTimeout = time.Second * 10

// Balancer keeps the registered storage servers and answers client
// lookups with the least loaded one.
type Balancer struct {
	config *common.BalancerConfig
	heap   *reg.ServerHeap
	pool   *pool.BytesPool
	http   *statusServer

	serverListener *net.TCPListener
	clientListener *net.TCPListener

	// servers silent for longer are dropped
	expireAfter time.Duration

	lastSock int64
	connLock sync.Mutex
	conns    map[int]net.Conn

	state int32
	wg    sync.WaitGroup
}

func NewBalancer(c *common.BalancerConfig) *Balancer {
	return &Balancer{
		config:      c,
		heap:        reg.NewServerHeap(),
		pool:        pool.NewBytesPool(c.BufferSize, c.BufferSeed, pool.DefaultRetention),
		expireAfter: time.Millisecond * common.HEARTBEAT_INTERVAL_MS * 3,
		conns:       make(map[int]net.Conn),
	}
}

// SetExpiration changes how long a silent server stays registered.
func (b *Balancer) SetExpiration(d time.Duration) {
	b.expireAfter = d
}

func (b *Balancer) Start() error {
	if !atomic.CompareAndSwapInt32(&b.state, serverCreated, serverRunning) {
		return common.ErrServerState
	}
	var err error
	if b.serverListener, err = listenTCP(b.config.BindAddress, b.config.ServerPort); err != nil {
		return err
	}
	if b.clientListener, err = listenTCP(b.config.BindAddress, b.config.ClientPort); err != nil {
		b.serverListener.Close()
		return err
	}
	b.pool.StartSweeper(pool.DefaultSweepInterval)
	b.startExpiration()
	b.wg.Add(2)
	go b.serve(b.serverListener, b.register)
	go b.serve(b.clientListener, b.lookup)
	logger.Info(" registration server listening on ", b.serverListener.Addr())
	logger.Info(" lookup server listening on ", b.clientListener.Addr())
	if b.config.EnableHttp {
		if b.http, err = startStatusServer(b.config.BindAddress, b.config.HttpPort, b.routes); err != nil {
			logger.Error("cannot start http server: ", err)
		}
	}
	logger.Info(aurora.BrightGreen("::: balancer started :::"))
	return nil
}

func (b *Balancer) ServerAddr() *net.TCPAddr {
	return b.serverListener.Addr().(*net.TCPAddr)
}

func (b *Balancer) ClientAddr() *net.TCPAddr {
	return b.clientListener.Addr().(*net.TCPAddr)
}

// HttpAddr returns the address of the status server, nil when disabled.
func (b *Balancer) HttpAddr() net.Addr {
	if b.http == nil {
		return nil
	}
	return b.http.Addr()
}

// Servers returns the registered servers, least loaded first.
func (b *Balancer) Servers() []reg.ServerNode {
	return b.heap.Snapshot()
}

func (b *Balancer) running() bool {
	return atomic.LoadInt32(&b.state) == serverRunning
}

func (b *Balancer) serve(ln *net.TCPListener, handler func(net.Conn)) {
	defer b.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if !b.running() {
				return
			}
			logger.Error("error accepting new connection: ", err)
			time.Sleep(time.Millisecond * 50)
			continue
		}
		go handler(c)
	}
}

// register authenticates a storage server and follows its heartbeats
// until it leaves.
func (b *Balancer) register(c net.Conn) {
	c.SetDeadline(time.Now().Add(registerTimeout))
	info := &bridge.ServerInfoPack{}
	if err := bridge.ReadRecord(c, b.pool, info); err != nil {
		logger.Debug("bad registration from ", c.RemoteAddr(), ": ", err)
		c.Close()
		return
	}
	key := make([]byte, common.BALANCER_KEY_LEN)
	if _, err := io.ReadFull(c, key); err != nil {
		c.Close()
		return
	}
	if bridge.Str(key) != b.config.Secret {
		logger.Warn("registration of ", info.ServerName(), " from ", c.RemoteAddr(), " denied: secret mismatch")
		c.Write([]byte{0})
		c.Close()
		return
	}
	if _, err := c.Write([]byte{1}); err != nil {
		c.Close()
		return
	}
	c.SetDeadline(time.Time{})
	sock := int(atomic.AddInt64(&b.lastSock, 1))
	b.connLock.Lock()
	b.conns[sock] = c
	b.connLock.Unlock()
	b.heap.Add(reg.ServerNode{
		Sock:  sock,
		Name:  info.ServerName(),
		Host:  info.Host(),
		SPort: info.SPort,
		LPort: info.LPort,
		Count: info.CurConCount,
	})
	logger.Info("storage server ", info.ServerName(), "@", info.Host(), " registered")
	gox.Try(func() {
		b.follow(sock, c)
	}, func(e interface{}) {
		logger.Error("server channel err: ", e)
	})
	b.deregister(sock)
}

func (b *Balancer) follow(sock int, c net.Conn) {
	for {
		state := &bridge.ServerState{}
		if err := bridge.ReadRecord(c, b.pool, state); err != nil {
			if err != io.EOF {
				logger.Debug("server channel ", sock, ": ", err)
			}
			return
		}
		if state.Code == common.SERVER_STATE_CLOSE {
			return
		}
		if !b.heap.Adjust(sock, state.CurConCount) {
			// expired meanwhile
			return
		}
	}
}

func (b *Balancer) deregister(sock int) {
	if node, ok := b.heap.Remove(sock); ok {
		logger.Info("storage server ", node.Name, "@", node.Host, " left")
	}
	b.connLock.Lock()
	c := b.conns[sock]
	delete(b.conns, sock)
	b.connLock.Unlock()
	if c != nil {
		c.Close()
	}
}

func (b *Balancer) startExpiration() {
	interval := time.Millisecond * common.HEARTBEAT_INTERVAL_MS
	if b.expireAfter < interval {
		interval = b.expireAfter
	}
	timer.Start(interval, interval, 0, func(t *timer.Timer) {
		if !b.running() {
			t.Destroy()
			return
		}
		b.Expire(time.Now())
	})
}

// Expire drops the servers not heard from within the expiration window.
func (b *Balancer) Expire(now time.Time) int {
	expired := b.heap.Expire(now.Add(-b.expireAfter))
	for _, node := range expired {
		logger.Warn("storage server ", node.Name, "@", node.Host, " expired")
		b.connLock.Lock()
		c := b.conns[node.Sock]
		b.connLock.Unlock()
		if c != nil {
			c.Close()
		}
	}
	return len(expired)
}

// lookup answers with the least loaded server. With none registered the
// connection is closed without a reply.
func (b *Balancer) lookup(c net.Conn) {
	defer c.Close()
	node, ok := b.heap.Min()
	if !ok {
		logger.Debug("lookup from ", c.RemoteAddr(), ": no server available")
		return
	}
	c.SetWriteDeadline(time.Now().Add(registerTimeout))
	pack := bridge.NewServerInfoPack(node.Name, node.Host, node.SPort, node.LPort, node.Count)
	if err := bridge.WriteRecord(c, b.pool, pack); err != nil {
		logger.Debug("lookup reply: ", err)
	}
}

func (b *Balancer) routes(r *mux.Router) {
	r.HandleFunc("/servers", func(w http.ResponseWriter, req *http.Request) {
		util.HttpWriteJson(w, b.Servers())
	}).Methods("GET")
}

func (b *Balancer) Shutdown() {
	if !atomic.CompareAndSwapInt32(&b.state, serverRunning, serverStopped) {
		return
	}
	b.serverListener.Close()
	b.clientListener.Close()
	b.wg.Wait()
	b.connLock.Lock()
	for _, c := range b.conns {
		c.Close()
	}
	b.connLock.Unlock()
	if b.http != nil {
		b.http.close()
	}
	b.pool.Close()
	logger.Info("balancer stopped")
}
