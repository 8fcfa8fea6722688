package bridge_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/pool"
	"github.com/hetianyi/gox/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bp *pool.BytesPool

func init() {
	logger.Init(&logger.Config{
		Level: logger.DebugLevel,
	})
	bp = pool.NewBytesPool(8192, 4, time.Minute)
}

func TestPduWireLayout(t *testing.T) {
	p := bridge.NewPdu(bridge.CODE_SIGNIN, "alice", "secret", "", []byte("hi"))
	buf, n := bridge.Serialize(bp, p)
	defer buf.Release()
	b := buf.Bytes()[:n]

	assert.Equal(t, 8+148+2, n)
	assert.Equal(t, []byte{0, 1}, b[0:2])
	assert.Equal(t, uint32(150), binary.BigEndian.Uint32(b[2:6]))
	assert.Equal(t, uint32(bridge.CODE_SIGNIN), binary.BigEndian.Uint32(b[8:12]))
	assert.Equal(t, "alice", string(b[12:17]))
	assert.Equal(t, byte(0), b[17])
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(b[152:156]))
	assert.Equal(t, "hi", string(b[156:158]))

	out := &bridge.Pdu{}
	require.True(t, bridge.Deserialize(b, n, out))
	assert.Equal(t, "alice", out.UserName())
	assert.Equal(t, "secret", out.Password())
	assert.Equal(t, []byte("hi"), out.Msg)
	assert.Equal(t, uint32(150), out.Head.BodyLen)
}

func TestFixedSizes(t *testing.T) {
	cases := []struct {
		r    bridge.Record
		size uint32
	}{
		{bridge.NewTranPdu(bridge.CODE_PUTS, "u", "p", "f", "m", 1, 0, 0), 268},
		{bridge.NewTranFinishPdu(bridge.CODE_PUTS_FINISH, 1, "m"), 112},
		{bridge.NewUserInfo(&common.UserInfo{User: "u"}), 400},
		{bridge.NewFileInfo(&common.FileEntry{FileName: "a"}), 238},
		{bridge.NewServerInfoPack("s", "127.0.0.1", 1, 2, 3), 68},
		{bridge.NewServerState(0, 1), 12},
		{bridge.NewRespondPack(bridge.CODE_CLIENTSHUT, []byte("bye")), 11},
		{bridge.NewTranDataPdu(bridge.CODE_GETS_DATA, 0, 0, 0, 0, nil), 32},
	}
	for _, c := range cases {
		assert.Equal(t, c.size, c.r.BodyLen(), c.r.Type().String())
		buf, n := bridge.Serialize(bp, c.r)
		assert.Equal(t, bridge.HeaderSize+int(c.size), n)
		buf.Release()
	}
}

func TestTranDataPduRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 2048)
	in := bridge.NewTranDataPdu(bridge.CODE_PUTS_DATA, bridge.STATUS_DEFAULT, 4096, 2, 3, data)
	buf, n := bridge.Serialize(bp, in)
	out := &bridge.TranDataPdu{}
	require.True(t, bridge.Deserialize(buf.Bytes(), n, out))
	buf.Release()
	assert.Equal(t, uint64(4096), out.FileOffset)
	assert.Equal(t, uint32(2048), out.ChunkSize)
	assert.Equal(t, uint32(2), out.ChunkIndex)
	assert.Equal(t, data, out.Data)
}

func TestDeserializeRejectsInconsistentBodyLen(t *testing.T) {
	b := bridge.Marshal(bridge.NewTranDataPdu(bridge.CODE_PUTS_DATA, 0, 0, 0, 1, []byte{1, 2, 3, 4}))
	// declare one byte fewer than chunk_size requires
	binary.BigEndian.PutUint32(b[2:6], 35)
	assert.False(t, bridge.Deserialize(b, len(b), &bridge.TranDataPdu{}))

	b = bridge.Marshal(bridge.NewServerState(0, 1))
	binary.BigEndian.PutUint32(b[2:6], 11)
	assert.False(t, bridge.Deserialize(b, len(b), &bridge.ServerState{}))
}

func TestDeserializeRejectsShortOrForeign(t *testing.T) {
	b := bridge.Marshal(bridge.NewServerState(1, 9))
	assert.False(t, bridge.Deserialize(b, 5, &bridge.ServerState{}))
	assert.False(t, bridge.Deserialize(b, len(b)-1, &bridge.ServerState{}))
	assert.False(t, bridge.Deserialize(b, len(b), &bridge.Pdu{}))
	out := &bridge.ServerState{}
	assert.True(t, bridge.Deserialize(b, len(b), out))
	assert.Equal(t, uint64(9), out.CurConCount)
}

func TestPduMsgBound(t *testing.T) {
	p := bridge.NewPdu(bridge.CODE_CD, "u", "p", "", make([]byte, 201))
	assert.Panics(t, func() {
		bridge.Serialize(bp, p)
	})

	b := bridge.Marshal(bridge.NewPdu(bridge.CODE_CD, "u", "p", "", make([]byte, 200)))
	assert.True(t, bridge.Deserialize(b, len(b), &bridge.Pdu{}))
}

func TestSerializePreconditions(t *testing.T) {
	p := bridge.NewServerState(0, 1)
	p.Head.BodyLen = 13
	defer func() {
		e := recover()
		require.NotNil(t, e)
		_, ok := e.(*bridge.PreconditionError)
		assert.True(t, ok)
	}()
	bridge.Serialize(bp, p)
}

func TestSerializeTooLargeForPool(t *testing.T) {
	small := pool.NewBytesPool(64, 0, time.Minute)
	assert.Panics(t, func() {
		bridge.Serialize(small, bridge.NewServerInfoPack("a", "b", 1, 1, 1))
	})
}

func TestUserInfoEmbeddedInReply(t *testing.T) {
	u := &common.UserInfo{User: "bob", Cipher: "abc", IsVip: "1", CapacitySum: "10737418240"}
	body := bridge.EncodeBody(bridge.NewUserInfo(u))
	assert.Len(t, body, 400)

	out := &bridge.UserInfo{}
	require.True(t, bridge.DecodeBody(body, out))
	info := out.Info()
	assert.Equal(t, "bob", info.User)
	assert.True(t, info.Vip())
	assert.Equal(t, "10737418240", info.CapacitySum)
}

func TestServerInfoPackTruncates(t *testing.T) {
	p := bridge.NewServerInfoPack("0123456789012345678901234567890123", "1.2.3.4", 8080, 8081, 0)
	assert.Equal(t, "012345678901234567890123456789", p.ServerName())
	assert.Equal(t, "1.2.3.4", p.Host())
}

func TestReadWriteRecord(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, bridge.WriteRecord(&wire, bp, bridge.NewPduRespond(bridge.CODE_CD, bridge.STATUS_SUCCESS, 0, []byte{0, 0, 0, 2})))
	require.NoError(t, bridge.WriteRecord(&wire, bp, bridge.NewFileInfo(&common.FileEntry{FileId: 7, FileName: "x.txt"})))

	resp := &bridge.PduRespond{}
	require.NoError(t, bridge.ReadRecord(&wire, bp, resp))
	assert.Equal(t, bridge.STATUS_SUCCESS, resp.Status)
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(resp.Msg))

	assert.Equal(t, common.ErrUnexpectedType, bridge.ReadRecord(&wire, bp, &bridge.Pdu{}))
}

func TestPeekHeader(t *testing.T) {
	_, ok := bridge.PeekHeader([]byte{0, 1, 0})
	assert.False(t, ok)
	h, ok := bridge.PeekHeader(bridge.Marshal(bridge.NewServerState(0, 0)))
	require.True(t, ok)
	assert.Equal(t, bridge.TYPE_SERVER_STATE, h.Type)
	assert.Equal(t, 20, h.FrameLen())
}

func TestRoundTripEveryRecord(t *testing.T) {
	data := bridge.NewTranDataPdu(bridge.CODE_GETS_DATA, bridge.STATUS_SUCCESS, 1<<33, 7, 9, []byte("chunk"))
	data.CheckSum = 0xdeadbeef
	versioned := bridge.NewServerState(1, 42)
	versioned.Head.Version = 3
	versioned.Head.Reserved = 1

	cases := []struct {
		in  bridge.Record
		out bridge.Record
	}{
		{bridge.NewPdu(bridge.CODE_MAKEDIR, "alice", "secret", "photos", []byte{0, 0, 0, 0, 0, 0, 0, 4}), &bridge.Pdu{}},
		{bridge.NewPduRespond(bridge.CODE_SIGNIN, bridge.STATUS_NOT_VERIFY, 3, []byte("msg")), &bridge.PduRespond{}},
		{bridge.NewTranPdu(bridge.CODE_PUTSCONTINUE, "bob", "pwd", "movie.mkv", "0cc175b9c0f1b6a831c399e269772661", 1<<40, 4096, 12), &bridge.TranPdu{}},
		{data, &bridge.TranDataPdu{}},
		{bridge.NewTranFinishPdu(bridge.CODE_GETS_FINISH, 1, "0cc175b9c0f1b6a831c399e269772661"), &bridge.TranFinishPdu{}},
		{bridge.NewTranControlPdu(bridge.CODE_GETS_CONTROL, bridge.ACTION_RESUME, []byte("go")), &bridge.TranControlPdu{}},
		{bridge.NewRespondPack(bridge.CODE_GETCONTINUENO, []byte("reserve")), &bridge.RespondPack{}},
		{bridge.NewUserInfo(&common.UserInfo{User: "carol", Pwd: "p", Cipher: "c", IsVip: "1", CapacitySum: "100", UsedCapacity: "10", Salt: "s", VipDate: "2020-01-01"}), &bridge.UserInfo{}},
		{bridge.NewFileInfo(&common.FileEntry{FileId: 5, FileName: "a.txt", DirGrade: 2, FileType: "txt", FileSize: 1 << 35, ParentDir: 3, FileDate: "2020-01-01 10:00:00"}), &bridge.FileInfo{}},
		{bridge.NewServerInfoPack("node-1", "10.0.0.9", 8001, 8002, 17), &bridge.ServerInfoPack{}},
		{versioned, &bridge.ServerState{}},
	}
	for _, c := range cases {
		buf, n := bridge.Serialize(bp, c.in)
		ok := bridge.Deserialize(buf.Bytes(), n, c.out)
		buf.Release()
		require.True(t, ok, c.in.Type().String())
		assert.Equal(t, c.in, c.out, c.in.Type().String())
	}
}
