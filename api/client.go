// Package api is a blocking client of the storage server and the balancer.
package api

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/pool"
	"github.com/hetianyi/gox/logger"
)

const (
	DefaultTimeout = time.Second * 30
	// UploadChunkSize is the payload of one upload data record.
	UploadChunkSize = 2048
)

var (
	ErrCanceled = errors.New("transfer canceled")
	ErrChecksum = errors.New("checksum mismatch")
)

// StatusError is a request the server answered with a non success status.
type StatusError struct {
	Code   bridge.OpCode
	Status bridge.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request %d failed with status %d", e.Code, e.Status)
}

// IsStatus reports whether err is a StatusError carrying status.
func IsStatus(err error, status bridge.Status) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

type Config struct {
	ShortAddr    string
	TransferAddr string
	TLS          *tls.Config
	Timeout      time.Duration
}

// Client opens sessions and transfers against one storage server.
type Client struct {
	config *Config
	pool   *pool.BytesPool
	user   string
	pwd    string
}

func NewClient(c *Config) *Client {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return &Client{
		config: c,
		pool:   pool.NewBytesPool(common.DEFAULT_BUFFER_SIZE, 4, 0),
	}
}

// NewClientFor builds a client for a server returned by Lookup.
func NewClientFor(s *ServerInfo, tlsConfig *tls.Config) *Client {
	return NewClient(&Config{
		ShortAddr:    net.JoinHostPort(s.Host, fmt.Sprint(s.ShortPort)),
		TransferAddr: net.JoinHostPort(s.Host, fmt.Sprint(s.TransferPort)),
		TLS:          tlsConfig,
	})
}

// SetCredential sets the account used by transfers.
func (c *Client) SetCredential(user, pwd string) {
	c.user, c.pwd = user, pwd
}

func (c *Client) dial(addr string) (*tls.Conn, error) {
	d := &net.Dialer{Timeout: c.config.Timeout}
	return tls.DialWithDialer(d, "tcp", addr, c.config.TLS)
}

// ServerInfo is the storage server chosen by the balancer.
type ServerInfo struct {
	Name         string
	Host         string
	ShortPort    uint32
	TransferPort uint32
	Connections  uint64
}

// Lookup asks the balancer at addr for the least loaded server.
func Lookup(addr string, timeout time.Duration) (*ServerInfo, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(timeout))
	p := pool.NewBytesPool(256, 1, 0)
	defer p.Close()
	pack := &bridge.ServerInfoPack{}
	if err = bridge.ReadRecord(c, p, pack); err != nil {
		if err == io.EOF {
			return nil, common.ErrNoServer
		}
		return nil, err
	}
	return &ServerInfo{
		Name:         pack.ServerName(),
		Host:         pack.Host(),
		ShortPort:    pack.SPort,
		TransferPort: pack.LPort,
		Connections:  pack.CurConCount,
	}, nil
}

func expect(r *bridge.PduRespond, code bridge.OpCode) error {
	if r.Code != code {
		return fmt.Errorf("unexpected reply code %d, want %d", r.Code, code)
	}
	if r.Status != bridge.STATUS_SUCCESS {
		return &StatusError{Code: code, Status: r.Status}
	}
	return nil
}

// Session is a short connection carrying metadata requests.
type Session struct {
	client *Client
	conn   *tls.Conn
	User   *common.UserInfo
}

// OpenSession connects to the short task port.
func (c *Client) OpenSession() (*Session, error) {
	tc, err := c.dial(c.config.ShortAddr)
	if err != nil {
		return nil, err
	}
	return &Session{client: c, conn: tc}, nil
}

func (s *Session) call(req bridge.Record, code bridge.OpCode) (*bridge.PduRespond, error) {
	s.conn.SetDeadline(time.Now().Add(s.client.config.Timeout))
	if err := bridge.WriteRecord(s.conn, s.client.pool, req); err != nil {
		return nil, err
	}
	resp := &bridge.PduRespond{}
	if err := bridge.ReadRecord(s.conn, s.client.pool, resp); err != nil {
		return nil, err
	}
	return resp, expect(resp, code)
}

func (s *Session) auth(code bridge.OpCode, user, pwd string) (*common.UserInfo, error) {
	resp, err := s.call(bridge.NewPdu(code, user, pwd, "", nil), code)
	if err != nil {
		return nil, err
	}
	info := &bridge.UserInfo{}
	if !bridge.DecodeBody(resp.Msg, info) {
		return nil, bridge.ErrMalformed
	}
	s.User = info.Info()
	s.client.SetCredential(user, pwd)
	return s.User, nil
}

// SignUp creates the account and signs the session in.
func (s *Session) SignUp(user, pwd string) (*common.UserInfo, error) {
	return s.auth(bridge.CODE_SIGNUP, user, pwd)
}

func (s *Session) SignIn(user, pwd string) (*common.UserInfo, error) {
	return s.auth(bridge.CODE_SIGNIN, user, pwd)
}

// List returns every entry of the signed in user.
func (s *Session) List() ([]common.FileEntry, error) {
	resp, err := s.call(bridge.NewPdu(bridge.CODE_CD, "", "", "", nil), bridge.CODE_CD)
	if err != nil {
		return nil, err
	}
	if len(resp.Msg) < 4 {
		return nil, bridge.ErrMalformed
	}
	count := binary.BigEndian.Uint32(resp.Msg[:4])
	entries := make([]common.FileEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		fi := &bridge.FileInfo{}
		if err = bridge.ReadRecord(s.conn, s.client.pool, fi); err != nil {
			return nil, err
		}
		entries = append(entries, *fi.Entry())
	}
	return entries, nil
}

// MakeDir creates a directory under parent and returns its id.
func (s *Session) MakeDir(name string, parent uint64) (uint64, error) {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint64(msg, parent)
	resp, err := s.call(bridge.NewPdu(bridge.CODE_MAKEDIR, "", "", name, msg), bridge.CODE_MAKEDIR)
	if err != nil {
		return 0, err
	}
	if len(resp.Msg) < 8 {
		return 0, bridge.ErrMalformed
	}
	return binary.BigEndian.Uint64(resp.Msg[:8]), nil
}

// Delete removes a file, or a whole directory tree when dir is set.
func (s *Session) Delete(fileId uint64, dir bool) error {
	name := "file"
	if dir {
		name = "dir." + common.DIR_SUFFIX
	}
	req := bridge.NewPdu(bridge.CODE_DELETEFILE, "", "", name, nil)
	binary.BigEndian.PutUint64(req.Pwd[:8], fileId)
	_, err := s.call(req, bridge.CODE_DELETEFILE)
	return err
}

// Close says goodbye and closes the connection.
func (s *Session) Close() error {
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := bridge.WriteRecord(s.conn, s.client.pool, bridge.NewPdu(bridge.CODE_CLIENTSHUT, "", "", "", nil)); err != nil {
		logger.Debug("client shut: ", err)
	}
	return s.conn.Close()
}
