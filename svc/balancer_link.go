package svc

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/conn"
	"github.com/hetianyi/godisk/pool"
	"github.com/hetianyi/gox/logger"
	"github.com/hetianyi/gox/timer"
)

const balancerDialTimeout = time.Second * 5

// balancerLink is the registration channel of a storage server. After the
// handshake it only carries heartbeats from the server.
type balancerLink struct {
	addr   string
	pool   *pool.BytesPool
	c      net.Conn
	lock   sync.Mutex
	closed bool
}

// dialBalancer registers this server. A refused secret yields
// ErrBalancerDenied and the server keeps running standalone.
func dialBalancer(c *common.StorageConfig, p *pool.BytesPool, info *bridge.ServerInfoPack) (*balancerLink, error) {
	addr := c.ParsedBalancer.ConnectionString()
	nc, err := net.DialTimeout("tcp", addr, balancerDialTimeout)
	if err != nil {
		return nil, err
	}
	nc.SetDeadline(time.Now().Add(balancerDialTimeout))
	if err = bridge.WriteRecord(nc, p, info); err != nil {
		nc.Close()
		return nil, err
	}
	if _, err = nc.Write(balancerKey(c.BalancerSecret)); err != nil {
		nc.Close()
		return nil, err
	}
	ack := make([]byte, 1)
	if _, err = io.ReadFull(nc, ack); err != nil {
		nc.Close()
		return nil, err
	}
	if ack[0] == 0 {
		nc.Close()
		return nil, common.ErrBalancerDenied
	}
	nc.SetDeadline(time.Time{})
	l := &balancerLink{addr: addr, pool: p, c: nc}
	interval := time.Millisecond * common.HEARTBEAT_INTERVAL_MS
	timer.Start(interval, interval, 0, func(t *timer.Timer) {
		if !l.heartbeat() {
			t.Destroy()
		}
	})
	go l.watch()
	logger.Info("registered to balancer ", addr, " as ", info.ServerName())
	return l, nil
}

// balancerKey pads the secret with NUL bytes to the fixed key length.
func balancerKey(secret string) []byte {
	key := make([]byte, common.BALANCER_KEY_LEN)
	copy(key[:common.BALANCER_KEY_LEN-1], secret)
	return key
}

func (l *balancerLink) send(r bridge.Record) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return common.ErrConnClosed
	}
	l.c.SetWriteDeadline(time.Now().Add(balancerDialTimeout))
	return bridge.WriteRecord(l.c, l.pool, r)
}

// heartbeat reports the live connection count, false once the link is down.
func (l *balancerLink) heartbeat() bool {
	err := l.send(bridge.NewServerState(common.SERVER_STATE_UPDATE, uint64(conn.LiveUsers())))
	if err == nil {
		return true
	}
	if err != common.ErrConnClosed {
		logger.Warn("heartbeat to balancer ", l.addr, " failed: ", err)
		l.drop()
	}
	return false
}

// watch notices the balancer hanging up. Nothing is expected to arrive.
func (l *balancerLink) watch() {
	b := make([]byte, 64)
	for {
		if _, err := l.c.Read(b); err != nil {
			if l.drop() {
				logger.Warn("balancer ", l.addr, " went away, running standalone")
			}
			return
		}
	}
}

// drop tears the link down and reports whether it was still up.
func (l *balancerLink) drop() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	l.c.Close()
	return true
}

// active reports whether the server is still registered.
func (l *balancerLink) active() bool {
	if l == nil {
		return false
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	return !l.closed
}

// close deregisters the server.
func (l *balancerLink) close() {
	if err := l.send(bridge.NewServerState(common.SERVER_STATE_CLOSE, 0)); err != nil {
		logger.Debug("deregister from balancer: ", err)
	}
	l.drop()
}
