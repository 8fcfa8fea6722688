package svc_test

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"io/ioutil"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hetianyi/godisk/api"
	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/conn"
	"github.com/hetianyi/godisk/pool"
	"github.com/hetianyi/godisk/svc"
	"github.com/hetianyi/godisk/util"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init(&logger.Config{
		Level: logger.DebugLevel,
	})
}

type testStorage struct {
	server    *svc.StorageServer
	config    *common.StorageConfig
	clientTLS *tls.Config
}

func startStorage(t *testing.T, mutate func(c *common.StorageConfig)) *testStorage {
	dir := t.TempDir()
	cert, key, err := util.GenerateSelfSigned(dir)
	require.Nil(t, err)
	c := &common.StorageConfig{
		BindAddress: "127.0.0.1",
		DataDir:     dir,
		CertFile:    cert,
		KeyFile:     key,
		Workers:     4,
		SubReactors: 2,
		LogLevel:    "debug",
	}
	if mutate != nil {
		mutate(c)
	}
	require.Nil(t, util.ValidateStorageConfig(c))
	c.ShortPort, c.TransferPort, c.HttpPort = 0, 0, 0

	serverTLS, err := util.LoadTLSConfig(cert, key)
	require.Nil(t, err)
	s, err := svc.NewStorageServer(c, serverTLS)
	require.Nil(t, err)
	require.Nil(t, s.Start())
	t.Cleanup(s.Shutdown)

	clientTLS, err := util.LoadClientTLSConfig(cert)
	require.Nil(t, err)
	return &testStorage{server: s, config: c, clientTLS: clientTLS}
}

func (ts *testStorage) client() *api.Client {
	return api.NewClient(&api.Config{
		ShortAddr:    ts.server.ShortAddr().String(),
		TransferAddr: ts.server.TransferAddr().String(),
		TLS:          ts.clientTLS,
		Timeout:      time.Second * 10,
	})
}

// signedUp returns a client whose account exists.
func (ts *testStorage) signedUp(t *testing.T, user string) *api.Client {
	c := ts.client()
	s, err := c.OpenSession()
	require.Nil(t, err)
	defer s.Close()
	_, err = s.SignUp(user, "123456")
	require.Nil(t, err)
	return c
}

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.Nil(t, err)
	return b
}

func TestSignUpAndSignIn(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.client()

	s, err := c.OpenSession()
	require.Nil(t, err)
	_, err = s.List()
	assert.True(t, api.IsStatus(err, bridge.STATUS_NOT_VERIFY))

	info, err := s.SignUp("alice", "123456")
	require.Nil(t, err)
	assert.Equal(t, "alice", info.User)
	assert.Equal(t, util.Cipher("alice", "123456"), info.Cipher)
	assert.Len(t, info.Cipher, 32)
	assert.True(t, file.Exists(ts.config.RootDir+"/alice"))
	s.Close()

	s, err = c.OpenSession()
	require.Nil(t, err)
	defer s.Close()
	_, err = s.SignUp("alice", "other")
	assert.True(t, api.IsStatus(err, bridge.STATUS_FAILED))
	_, err = s.SignIn("alice", "wrong")
	assert.True(t, api.IsStatus(err, bridge.STATUS_FAILED))
	info, err = s.SignIn("alice", "123456")
	require.Nil(t, err)
	assert.Equal(t, "alice", info.User)
	assert.NotEmpty(t, info.CapacitySum)

	entries, err := s.List()
	require.Nil(t, err)
	assert.Empty(t, entries)
}

func TestSignUpRejectsPathNames(t *testing.T) {
	ts := startStorage(t, nil)
	s, err := ts.client().OpenSession()
	require.Nil(t, err)
	defer s.Close()
	for _, name := range []string{"..", "a/b", ""} {
		_, err = s.SignUp(name, "123456")
		assert.True(t, api.IsStatus(err, bridge.STATUS_FAILED), name)
	}
}

func TestUploadAndList(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.signedUp(t, "bob")
	data := randomBytes(t, 5000)

	ret, err := c.Upload("report.txt", 0, bytes.NewReader(data), int64(len(data)), false)
	require.Nil(t, err)
	assert.False(t, ret.Quick)
	assert.NotZero(t, ret.FileId)
	assert.Equal(t, util.Md5Hex(data), ret.Md5)

	stored, err := ioutil.ReadFile(ts.config.RootDir + "/bob/" + ret.Md5)
	require.Nil(t, err)
	assert.Equal(t, data, stored)

	s, err := c.OpenSession()
	require.Nil(t, err)
	defer s.Close()
	_, err = s.SignIn("bob", "123456")
	require.Nil(t, err)
	entries, err := s.List()
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ret.FileId, entries[0].FileId)
	assert.Equal(t, "report.txt", entries[0].FileName)
	assert.Equal(t, uint64(5000), entries[0].FileSize)
	assert.Equal(t, "txt", entries[0].FileType)
}

func TestQuickUpload(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.signedUp(t, "carol")
	data := randomBytes(t, 3000)

	first, err := c.Upload("a.bin", 0, bytes.NewReader(data), int64(len(data)), false)
	require.Nil(t, err)
	require.False(t, first.Quick)

	second, err := c.Upload("b.bin", 0, bytes.NewReader(data), int64(len(data)), false)
	require.Nil(t, err)
	assert.True(t, second.Quick)
	assert.NotZero(t, second.FileId)
	assert.NotEqual(t, first.FileId, second.FileId)

	s, err := c.OpenSession()
	require.Nil(t, err)
	defer s.Close()
	_, err = s.SignIn("carol", "123456")
	require.Nil(t, err)
	entries, err := s.List()
	require.Nil(t, err)
	assert.Len(t, entries, 2)
}

// TestResumeUploadFromProgress continues a blob whose upload stopped with
// the server, its written prefix recorded in the progress file.
func TestResumeUploadFromProgress(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.signedUp(t, "dora")
	data := randomBytes(t, 100000)
	md5 := util.Md5Hex(data)
	blob := ts.config.RootDir + "/dora/" + md5

	const prefix = 65536
	partial := make([]byte, len(data))
	copy(partial, data[:prefix])
	require.Nil(t, ioutil.WriteFile(blob, partial, 0644))
	mark := make([]byte, 8)
	binary.BigEndian.PutUint64(mark, prefix)
	require.Nil(t, ioutil.WriteFile(conn.ProgressPath(blob), mark, 0644))

	ret, err := c.Upload("movie.bin", 0, bytes.NewReader(data), int64(len(data)), true)
	require.Nil(t, err)
	assert.Equal(t, uint64(prefix), ret.Resumed)
	assert.NotZero(t, ret.FileId)

	stored, err := ioutil.ReadFile(blob)
	require.Nil(t, err)
	assert.Equal(t, data, stored)
	assert.False(t, file.Exists(conn.ProgressPath(blob)))
}

func TestResumeUploadWithoutProgress(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.signedUp(t, "earl")
	data := randomBytes(t, 5000)

	ret, err := c.Upload("notes.txt", 0, bytes.NewReader(data), int64(len(data)), true)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), ret.Resumed)
	stored, err := ioutil.ReadFile(ts.config.RootDir + "/earl/" + ret.Md5)
	require.Nil(t, err)
	assert.Equal(t, data, stored)
}

func TestUploadNeedsAccount(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.client()
	c.SetCredential("nobody", "123456")
	data := randomBytes(t, 100)
	_, err := c.Upload("x.bin", 0, bytes.NewReader(data), int64(len(data)), false)
	assert.True(t, api.IsStatus(err, bridge.STATUS_FAILED))
}

func TestDownload(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.signedUp(t, "dave")
	data := randomBytes(t, 10000)
	ret, err := c.Upload("d.bin", 0, bytes.NewReader(data), int64(len(data)), false)
	require.Nil(t, err)

	d, err := c.OpenDownload(ret.FileId, "d.bin", 0)
	require.Nil(t, err)
	assert.Equal(t, uint64(len(data)), d.Total)
	assert.Equal(t, ret.Md5, d.Md5)
	out := &bytes.Buffer{}
	require.Nil(t, d.Receive(out, nil))
	assert.Equal(t, data, out.Bytes())

	// resumed from an offset
	d, err = c.OpenDownload(ret.FileId, "d.bin", 4096)
	require.Nil(t, err)
	out.Reset()
	require.Nil(t, d.Receive(out, nil))
	assert.Equal(t, data[4096:], out.Bytes())

	// declined resume starts over
	d, err = c.OpenDownload(ret.FileId, "d.bin", 4096)
	require.Nil(t, err)
	require.Nil(t, d.RestartFromZero())
	out.Reset()
	require.Nil(t, d.Receive(out, nil))
	assert.Equal(t, data, out.Bytes())

	_, err = c.OpenDownload(ret.FileId, "d.bin", uint64(len(data)))
	assert.True(t, api.IsStatus(err, bridge.STATUS_GET_CONTINUE_FAILED))
	_, err = c.OpenDownload(ret.FileId+100, "none", 0)
	assert.True(t, api.IsStatus(err, bridge.STATUS_FILE_NOT_EXIST))
}

func TestDownloadEmptyFileFails(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.signedUp(t, "erin")
	ret, err := c.Upload("empty.txt", 0, bytes.NewReader(nil), 0, false)
	require.Nil(t, err)
	require.NotZero(t, ret.FileId)

	_, err = c.OpenDownload(ret.FileId, "empty.txt", 0)
	assert.True(t, api.IsStatus(err, bridge.STATUS_GET_CONTINUE_FAILED))
}

func TestPausedDownload(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.signedUp(t, "frank")
	data := randomBytes(t, common.DOWNLOAD_CHUNK_SIZE*60)
	ret, err := c.Upload("p.bin", 0, bytes.NewReader(data), int64(len(data)), false)
	require.Nil(t, err)

	d, err := c.OpenDownload(ret.FileId, "p.bin", 0)
	require.Nil(t, err)

	const pause = time.Millisecond * 500
	var (
		arrivals []time.Time
		paused   bool
		wg       sync.WaitGroup
	)
	out := &bytes.Buffer{}
	err = d.Receive(out, func(received, total uint64) {
		arrivals = append(arrivals, time.Now())
		if !paused && received >= 10*common.DOWNLOAD_CHUNK_SIZE {
			paused = true
			require.Nil(t, d.Pause())
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(pause)
				assert.Nil(t, d.Resume())
			}()
		}
	})
	wg.Wait()
	require.Nil(t, err)
	assert.Equal(t, data, out.Bytes())

	var gap time.Duration
	for i := 1; i < len(arrivals); i++ {
		if g := arrivals[i].Sub(arrivals[i-1]); g > gap {
			gap = g
		}
	}
	assert.True(t, gap >= pause-time.Millisecond*100, "largest gap between chunks was %v", gap)
}

func TestCanceledDownload(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.signedUp(t, "gina")
	data := randomBytes(t, common.DOWNLOAD_CHUNK_SIZE*50)
	ret, err := c.Upload("c.bin", 0, bytes.NewReader(data), int64(len(data)), false)
	require.Nil(t, err)

	d, err := c.OpenDownload(ret.FileId, "c.bin", 0)
	require.Nil(t, err)
	canceled := false
	err = d.Receive(ioutil.Discard, func(received, total uint64) {
		if !canceled && received >= 5*common.DOWNLOAD_CHUNK_SIZE {
			canceled = true
			require.Nil(t, d.Cancel())
		}
	})
	assert.Equal(t, api.ErrCanceled, err)
}

// TestCanceledUploadRemovesBlob drops the connection in the middle of an
// upload.
func TestCanceledUploadRemovesBlob(t *testing.T) {
	ts := startStorage(t, nil)
	ts.signedUp(t, "hank")
	// the sign-up session closes asynchronously on its reactor
	require.Eventually(t, func() bool {
		return ts.server.LiveConnections() == 0
	}, time.Second*5, time.Millisecond*20)

	data := randomBytes(t, 10000)
	md5 := util.Md5Hex(data)
	p := pool.NewBytesPool(8192, 2, 0)
	defer p.Close()
	tc, err := tls.Dial("tcp", ts.server.TransferAddr().String(), ts.clientTLS)
	require.Nil(t, err)
	require.Nil(t, bridge.WriteRecord(tc, p, bridge.NewTranPdu(bridge.CODE_PUTS, "hank", "123456", "big.bin", md5, uint64(len(data)), 0, 0)))
	resp := &bridge.PduRespond{}
	require.Nil(t, bridge.ReadRecord(tc, p, resp))
	require.Equal(t, bridge.STATUS_SUCCESS, resp.Status)

	for i := 0; i < 2; i++ {
		off := i * 2048
		chunk := bridge.NewTranDataPdu(bridge.CODE_PUTS_DATA, bridge.STATUS_DEFAULT, uint64(off), uint32(i), 5, data[off:off+2048])
		require.Nil(t, bridge.WriteRecord(tc, p, chunk))
	}
	indexes := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		ack := &bridge.PduRespond{}
		require.Nil(t, bridge.ReadRecord(tc, p, ack))
		require.Equal(t, bridge.CODE_PUTS_DATA, ack.Code)
		require.Equal(t, bridge.STATUS_SUCCESS, ack.Status)
		indexes[uint32(ack.Msg[0])<<24|uint32(ack.Msg[1])<<16|uint32(ack.Msg[2])<<8|uint32(ack.Msg[3])] = true
	}
	assert.Equal(t, map[uint32]bool{0: true, 1: true}, indexes)

	blob := ts.config.RootDir + "/hank/" + md5
	assert.True(t, file.Exists(blob))
	tc.Close()

	require.Eventually(t, func() bool {
		_, err := os.Stat(blob)
		return os.IsNotExist(err) && ts.server.LiveConnections() == 0
	}, time.Second*5, time.Millisecond*20)

	s, err := ts.client().OpenSession()
	require.Nil(t, err)
	defer s.Close()
	_, err = s.SignIn("hank", "123456")
	require.Nil(t, err)
	entries, err := s.List()
	require.Nil(t, err)
	assert.Empty(t, entries)
}

func TestOutOfPlaceRecordsAreRefused(t *testing.T) {
	ts := startStorage(t, nil)
	ts.signedUp(t, "gina")
	p := pool.NewBytesPool(8192, 2, 0)
	defer p.Close()

	tc, err := tls.Dial("tcp", ts.server.TransferAddr().String(), ts.clientTLS)
	require.Nil(t, err)
	defer tc.Close()
	tc.SetDeadline(time.Now().Add(time.Second * 5))
	require.Nil(t, bridge.WriteRecord(tc, p, bridge.NewTranPdu(bridge.CODE_PUTS, "gina", "123456", "x.bin", util.Md5Hex([]byte("x")), 10000, 0, 0)))
	resp := &bridge.PduRespond{}
	require.Nil(t, bridge.ReadRecord(tc, p, resp))
	require.Equal(t, bridge.STATUS_SUCCESS, resp.Status)

	// finish while chunks are still expected
	require.Nil(t, bridge.WriteRecord(tc, p, bridge.NewTranFinishPdu(bridge.CODE_PUTS_FINISH, 10000, util.Md5Hex([]byte("x")))))
	resp = &bridge.PduRespond{}
	require.Nil(t, bridge.ReadRecord(tc, p, resp))
	assert.Equal(t, bridge.CODE_PUTS_FINISH, resp.Code)
	assert.Equal(t, bridge.STATUS_FAILED, resp.Status)

	// a short request on the transfer port
	require.Nil(t, bridge.WriteRecord(tc, p, bridge.NewPdu(bridge.CODE_SIGNIN, "gina", "123456", "", nil)))
	resp = &bridge.PduRespond{}
	require.Nil(t, bridge.ReadRecord(tc, p, resp))
	assert.Equal(t, bridge.CODE_SIGNIN, resp.Code)
	assert.Equal(t, bridge.STATUS_FAILED, resp.Status)

	// a transfer request on the short port
	sc, err := tls.Dial("tcp", ts.server.ShortAddr().String(), ts.clientTLS)
	require.Nil(t, err)
	defer sc.Close()
	sc.SetDeadline(time.Now().Add(time.Second * 5))
	require.Nil(t, bridge.WriteRecord(sc, p, bridge.NewTranPdu(bridge.CODE_GETS, "gina", "123456", "x.bin", "", 0, 0, 1)))
	resp = &bridge.PduRespond{}
	require.Nil(t, bridge.ReadRecord(sc, p, resp))
	assert.Equal(t, bridge.CODE_GETS, resp.Code)
	assert.Equal(t, bridge.STATUS_FAILED, resp.Status)
}

func TestIdleTimeoutSparesActiveConnections(t *testing.T) {
	ts := startStorage(t, func(c *common.StorageConfig) {
		c.IdleTimeoutMs = 300
	})
	s, err := ts.client().OpenSession()
	require.Nil(t, err)
	defer s.Close()

	// requests keep arriving inside every idle window
	for i := 0; i < 10; i++ {
		time.Sleep(time.Millisecond * 100)
		_, err = s.List()
		require.True(t, api.IsStatus(err, bridge.STATUS_NOT_VERIFY), "request %d: %v", i, err)
	}

	time.Sleep(time.Second * 2)
	_, err = s.List()
	assert.Error(t, err)
	assert.False(t, api.IsStatus(err, bridge.STATUS_NOT_VERIFY))
}

func TestMakeDirAndDelete(t *testing.T) {
	ts := startStorage(t, nil)
	c := ts.signedUp(t, "ivy")
	s, err := c.OpenSession()
	require.Nil(t, err)
	defer s.Close()
	_, err = s.SignIn("ivy", "123456")
	require.Nil(t, err)

	dirId, err := s.MakeDir("photos", 0)
	require.Nil(t, err)
	require.NotZero(t, dirId)

	data := randomBytes(t, 4000)
	ret, err := c.Upload("cat.jpg", dirId, bytes.NewReader(data), int64(len(data)), false)
	require.Nil(t, err)
	blob := ts.config.RootDir + "/ivy/" + ret.Md5
	require.True(t, file.Exists(blob))

	entries, err := s.List()
	require.Nil(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.FileId == ret.FileId {
			assert.Equal(t, dirId, e.ParentDir)
			assert.Equal(t, uint32(1), e.DirGrade)
		} else {
			assert.Equal(t, common.DIR_SUFFIX, e.FileType)
		}
	}

	require.Nil(t, s.Delete(dirId, true))
	entries, err = s.List()
	require.Nil(t, err)
	assert.Empty(t, entries)
	assert.False(t, file.Exists(blob))

	assert.True(t, api.IsStatus(s.Delete(dirId, true), bridge.STATUS_FAILED))
}

func TestStatusEndpoint(t *testing.T) {
	ts := startStorage(t, func(c *common.StorageConfig) {
		c.EnableHttp = true
	})
	require.NotNil(t, ts.server.HttpAddr())
	resp, err := http.Get("http://" + ts.server.HttpAddr().String() + "/status")
	require.Nil(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	st := &svc.StorageStatus{}
	require.Nil(t, json.NewDecoder(resp.Body).Decode(st))
	assert.Equal(t, ts.config.Name, st.Name)
	assert.Equal(t, 4, st.Workers)
	assert.Len(t, st.Reactors, 2)
	assert.False(t, st.BalancerOnline)
}
