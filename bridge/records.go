package bridge

import (
	"bytes"
	"encoding/binary"

	"github.com/hetianyi/godisk/common"
)

// Record is implemented by every frame type of the protocol.
type Record interface {
	Type() RecordType
	Header() *Header
	// BodyLen is the body size computed from the record's fields.
	BodyLen() uint32
	check() string
	encode(body []byte)
	decode(body []byte) bool
}

const (
	pduBaseLen          = 148
	pduRespondBaseLen   = 16
	tranPduLen          = 268
	tranDataPduBaseLen  = 32
	tranFinishPduLen    = 112
	tranControlBaseLen  = 12
	respondPackBaseLen  = 8
	userInfoFieldLen    = 50
	userInfoLen         = 8 * userInfoFieldLen
	fileInfoLen         = 238
	serverInfoPackLen   = 68
	serverStateLen      = 12
	userLen, pwdLen     = 20, 20
	fileNameLen, md5Len = 100, 100
)

// Str returns the fixed character field b up to its first NUL.
func Str(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// SetStr copies s into the fixed field dst, truncating and NUL padding.
func SetStr(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

var be = binary.BigEndian

// Pdu is a short request: sign-in, sign-up, listing, mkdir, delete.
type Pdu struct {
	Head     Header
	Code     OpCode
	User     [userLen]byte
	Pwd      [pwdLen]byte
	FileName [fileNameLen]byte
	MsgLen   uint32
	Msg      []byte
}

func NewPdu(code OpCode, user, pwd, fileName string, msg []byte) *Pdu {
	p := &Pdu{Code: code, MsgLen: uint32(len(msg)), Msg: msg}
	SetStr(p.User[:], user)
	SetStr(p.Pwd[:], pwd)
	SetStr(p.FileName[:], fileName)
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *Pdu) Type() RecordType { return TYPE_PDU }
func (p *Pdu) Header() *Header  { return &p.Head }
func (p *Pdu) BodyLen() uint32  { return pduBaseLen + p.MsgLen }

func (p *Pdu) check() string {
	if p.MsgLen > MaxMsgLen {
		return "msg longer than 200 bytes"
	}
	if int(p.MsgLen) > len(p.Msg) {
		return "msg_len exceeds msg"
	}
	return ""
}

func (p *Pdu) encode(b []byte) {
	be.PutUint32(b[0:4], uint32(p.Code))
	copy(b[4:24], p.User[:])
	copy(b[24:44], p.Pwd[:])
	copy(b[44:144], p.FileName[:])
	be.PutUint32(b[144:148], p.MsgLen)
	copy(b[148:], p.Msg[:p.MsgLen])
}

func (p *Pdu) decode(b []byte) bool {
	if len(b) < pduBaseLen {
		return false
	}
	msgLen := be.Uint32(b[144:148])
	if msgLen > MaxMsgLen || len(b) != pduBaseLen+int(msgLen) {
		return false
	}
	p.Code = OpCode(be.Uint32(b[0:4]))
	copy(p.User[:], b[4:24])
	copy(p.Pwd[:], b[24:44])
	copy(p.FileName[:], b[44:144])
	p.MsgLen = msgLen
	p.Msg = append([]byte(nil), b[148:]...)
	return true
}

// UserName returns the NUL trimmed user field.
func (p *Pdu) UserName() string { return Str(p.User[:]) }

// Password returns the NUL trimmed pwd field.
func (p *Pdu) Password() string { return Str(p.Pwd[:]) }

// Name returns the NUL trimmed file name.
func (p *Pdu) Name() string { return Str(p.FileName[:]) }

// PduRespond answers short requests and transfer control.
type PduRespond struct {
	Head      Header
	Code      OpCode
	Status    Status
	MsgAmount uint32
	MsgLen    uint32
	Msg       []byte
}

func NewPduRespond(code OpCode, status Status, amount uint32, msg []byte) *PduRespond {
	p := &PduRespond{Code: code, Status: status, MsgAmount: amount, MsgLen: uint32(len(msg)), Msg: msg}
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *PduRespond) Type() RecordType { return TYPE_PDU_RESPOND }
func (p *PduRespond) Header() *Header  { return &p.Head }
func (p *PduRespond) BodyLen() uint32  { return pduRespondBaseLen + p.MsgLen }

func (p *PduRespond) check() string {
	if int(p.MsgLen) > len(p.Msg) {
		return "msg_len exceeds msg"
	}
	return ""
}

func (p *PduRespond) encode(b []byte) {
	be.PutUint32(b[0:4], uint32(p.Code))
	be.PutUint32(b[4:8], uint32(p.Status))
	be.PutUint32(b[8:12], p.MsgAmount)
	be.PutUint32(b[12:16], p.MsgLen)
	copy(b[16:], p.Msg[:p.MsgLen])
}

func (p *PduRespond) decode(b []byte) bool {
	if len(b) < pduRespondBaseLen {
		return false
	}
	msgLen := be.Uint32(b[12:16])
	if len(b) != pduRespondBaseLen+int(msgLen) {
		return false
	}
	p.Code = OpCode(be.Uint32(b[0:4]))
	p.Status = Status(be.Uint32(b[4:8]))
	p.MsgAmount = be.Uint32(b[8:12])
	p.MsgLen = msgLen
	p.Msg = append([]byte(nil), b[16:]...)
	return true
}

// TranPdu opens an upload or a download.
type TranPdu struct {
	Head        Header
	Code        OpCode
	User        [userLen]byte
	Pwd         [pwdLen]byte
	FileName    [fileNameLen]byte
	FileMd5     [md5Len]byte
	FileSize    uint64
	SendedSize  uint64
	ParentDirId uint64
}

func NewTranPdu(code OpCode, user, pwd, fileName, md5 string, size, sended, parent uint64) *TranPdu {
	p := &TranPdu{Code: code, FileSize: size, SendedSize: sended, ParentDirId: parent}
	SetStr(p.User[:], user)
	SetStr(p.Pwd[:], pwd)
	SetStr(p.FileName[:], fileName)
	SetStr(p.FileMd5[:], md5)
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *TranPdu) Type() RecordType { return TYPE_TRAN_PDU }
func (p *TranPdu) Header() *Header  { return &p.Head }
func (p *TranPdu) BodyLen() uint32  { return tranPduLen }
func (p *TranPdu) check() string    { return "" }

func (p *TranPdu) encode(b []byte) {
	be.PutUint32(b[0:4], uint32(p.Code))
	copy(b[4:24], p.User[:])
	copy(b[24:44], p.Pwd[:])
	copy(b[44:144], p.FileName[:])
	copy(b[144:244], p.FileMd5[:])
	be.PutUint64(b[244:252], p.FileSize)
	be.PutUint64(b[252:260], p.SendedSize)
	be.PutUint64(b[260:268], p.ParentDirId)
}

func (p *TranPdu) decode(b []byte) bool {
	if len(b) != tranPduLen {
		return false
	}
	p.Code = OpCode(be.Uint32(b[0:4]))
	copy(p.User[:], b[4:24])
	copy(p.Pwd[:], b[24:44])
	copy(p.FileName[:], b[44:144])
	copy(p.FileMd5[:], b[144:244])
	p.FileSize = be.Uint64(b[244:252])
	p.SendedSize = be.Uint64(b[252:260])
	p.ParentDirId = be.Uint64(b[260:268])
	return true
}

func (p *TranPdu) UserName() string { return Str(p.User[:]) }
func (p *TranPdu) Password() string { return Str(p.Pwd[:]) }
func (p *TranPdu) Name() string     { return Str(p.FileName[:]) }
func (p *TranPdu) Md5() string      { return Str(p.FileMd5[:]) }

// TranDataPdu carries one chunk of a transfer.
type TranDataPdu struct {
	Head        Header
	Code        OpCode
	Status      Status
	FileOffset  uint64
	ChunkSize   uint32
	TotalChunks uint32
	ChunkIndex  uint32
	CheckSum    uint32
	Data        []byte
}

func NewTranDataPdu(code OpCode, status Status, offset uint64, index, total uint32, data []byte) *TranDataPdu {
	p := &TranDataPdu{
		Code:        code,
		Status:      status,
		FileOffset:  offset,
		ChunkSize:   uint32(len(data)),
		TotalChunks: total,
		ChunkIndex:  index,
		Data:        data,
	}
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *TranDataPdu) Type() RecordType { return TYPE_TRAN_DATA_PDU }
func (p *TranDataPdu) Header() *Header  { return &p.Head }
func (p *TranDataPdu) BodyLen() uint32  { return tranDataPduBaseLen + p.ChunkSize }

func (p *TranDataPdu) check() string {
	if int(p.ChunkSize) > len(p.Data) {
		return "chunk_size exceeds data"
	}
	return ""
}

func (p *TranDataPdu) encode(b []byte) {
	be.PutUint32(b[0:4], uint32(p.Code))
	be.PutUint32(b[4:8], uint32(p.Status))
	be.PutUint64(b[8:16], p.FileOffset)
	be.PutUint32(b[16:20], p.ChunkSize)
	be.PutUint32(b[20:24], p.TotalChunks)
	be.PutUint32(b[24:28], p.ChunkIndex)
	be.PutUint32(b[28:32], p.CheckSum)
	copy(b[32:], p.Data[:p.ChunkSize])
}

func (p *TranDataPdu) decode(b []byte) bool {
	if len(b) < tranDataPduBaseLen {
		return false
	}
	chunk := be.Uint32(b[16:20])
	if len(b) != tranDataPduBaseLen+int(chunk) {
		return false
	}
	p.Code = OpCode(be.Uint32(b[0:4]))
	p.Status = Status(be.Uint32(b[4:8]))
	p.FileOffset = be.Uint64(b[8:16])
	p.ChunkSize = chunk
	p.TotalChunks = be.Uint32(b[20:24])
	p.ChunkIndex = be.Uint32(b[24:28])
	p.CheckSum = be.Uint32(b[28:32])
	p.Data = append([]byte(nil), b[32:]...)
	return true
}

// TranFinishPdu closes a transfer with the size and md5 the sender saw.
type TranFinishPdu struct {
	Head     Header
	Code     OpCode
	FileSize uint64
	FileMd5  [md5Len]byte
}

func NewTranFinishPdu(code OpCode, size uint64, md5 string) *TranFinishPdu {
	p := &TranFinishPdu{Code: code, FileSize: size}
	SetStr(p.FileMd5[:], md5)
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *TranFinishPdu) Type() RecordType { return TYPE_TRAN_FINISH_PDU }
func (p *TranFinishPdu) Header() *Header  { return &p.Head }
func (p *TranFinishPdu) BodyLen() uint32  { return tranFinishPduLen }
func (p *TranFinishPdu) check() string    { return "" }
func (p *TranFinishPdu) Md5() string      { return Str(p.FileMd5[:]) }

func (p *TranFinishPdu) encode(b []byte) {
	be.PutUint32(b[0:4], uint32(p.Code))
	be.PutUint64(b[4:12], p.FileSize)
	copy(b[12:112], p.FileMd5[:])
}

func (p *TranFinishPdu) decode(b []byte) bool {
	if len(b) != tranFinishPduLen {
		return false
	}
	p.Code = OpCode(be.Uint32(b[0:4]))
	p.FileSize = be.Uint64(b[4:12])
	copy(p.FileMd5[:], b[12:112])
	return true
}

// TranControlPdu pauses, resumes or cancels a download.
type TranControlPdu struct {
	Head   Header
	Code   OpCode
	Action Action
	MsgLen uint32
	Msg    []byte
}

func NewTranControlPdu(code OpCode, action Action, msg []byte) *TranControlPdu {
	p := &TranControlPdu{Code: code, Action: action, MsgLen: uint32(len(msg)), Msg: msg}
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *TranControlPdu) Type() RecordType { return TYPE_TRAN_CONTROL_PDU }
func (p *TranControlPdu) Header() *Header  { return &p.Head }
func (p *TranControlPdu) BodyLen() uint32  { return tranControlBaseLen + p.MsgLen }

func (p *TranControlPdu) check() string {
	if int(p.MsgLen) > len(p.Msg) {
		return "msg_len exceeds msg"
	}
	return ""
}

func (p *TranControlPdu) encode(b []byte) {
	be.PutUint32(b[0:4], uint32(p.Code))
	be.PutUint32(b[4:8], uint32(p.Action))
	be.PutUint32(b[8:12], p.MsgLen)
	copy(b[12:], p.Msg[:p.MsgLen])
}

func (p *TranControlPdu) decode(b []byte) bool {
	if len(b) < tranControlBaseLen {
		return false
	}
	msgLen := be.Uint32(b[8:12])
	if len(b) != tranControlBaseLen+int(msgLen) {
		return false
	}
	p.Code = OpCode(be.Uint32(b[0:4]))
	p.Action = Action(be.Uint32(b[4:8]))
	p.MsgLen = msgLen
	p.Msg = append([]byte(nil), b[12:]...)
	return true
}

// RespondPack is a compact acknowledgement.
type RespondPack struct {
	Head    Header
	Code    OpCode
	Len     uint32
	Reserve []byte
}

func NewRespondPack(code OpCode, reserve []byte) *RespondPack {
	p := &RespondPack{Code: code, Len: uint32(len(reserve)), Reserve: reserve}
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *RespondPack) Type() RecordType { return TYPE_RESPOND_PACK }
func (p *RespondPack) Header() *Header  { return &p.Head }
func (p *RespondPack) BodyLen() uint32  { return respondPackBaseLen + p.Len }

func (p *RespondPack) check() string {
	if p.Len > MaxMsgLen {
		return "reserve longer than 200 bytes"
	}
	if int(p.Len) > len(p.Reserve) {
		return "len exceeds reserve"
	}
	return ""
}

func (p *RespondPack) encode(b []byte) {
	be.PutUint32(b[0:4], uint32(p.Code))
	be.PutUint32(b[4:8], p.Len)
	copy(b[8:], p.Reserve[:p.Len])
}

func (p *RespondPack) decode(b []byte) bool {
	if len(b) < respondPackBaseLen {
		return false
	}
	n := be.Uint32(b[4:8])
	if n > MaxMsgLen || len(b) != respondPackBaseLen+int(n) {
		return false
	}
	p.Code = OpCode(be.Uint32(b[0:4]))
	p.Len = n
	p.Reserve = append([]byte(nil), b[8:]...)
	return true
}

// UserInfo is the account row sent to a client after sign-in.
type UserInfo struct {
	Head   Header
	Fields [8][userInfoFieldLen]byte
}

// NewUserInfo fills the record from u. Fields longer than 50 bytes are truncated.
func NewUserInfo(u *common.UserInfo) *UserInfo {
	p := &UserInfo{}
	for i, s := range []string{u.User, u.Pwd, u.Cipher, u.IsVip, u.CapacitySum, u.UsedCapacity, u.Salt, u.VipDate} {
		SetStr(p.Fields[i][:], s)
	}
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *UserInfo) Type() RecordType { return TYPE_USER_INFO }
func (p *UserInfo) Header() *Header  { return &p.Head }
func (p *UserInfo) BodyLen() uint32  { return userInfoLen }
func (p *UserInfo) check() string    { return "" }

func (p *UserInfo) encode(b []byte) {
	for i := range p.Fields {
		copy(b[i*userInfoFieldLen:(i+1)*userInfoFieldLen], p.Fields[i][:])
	}
}

func (p *UserInfo) decode(b []byte) bool {
	if len(b) != userInfoLen {
		return false
	}
	for i := range p.Fields {
		copy(p.Fields[i][:], b[i*userInfoFieldLen:(i+1)*userInfoFieldLen])
	}
	return true
}

// Info converts the record back to the account view.
func (p *UserInfo) Info() *common.UserInfo {
	f := func(i int) string { return Str(p.Fields[i][:]) }
	return &common.UserInfo{
		User:         f(0),
		Pwd:          f(1),
		Cipher:       f(2),
		IsVip:        f(3),
		CapacitySum:  f(4),
		UsedCapacity: f(5),
		Salt:         f(6),
		VipDate:      f(7),
	}
}

// FileInfo is one entry of a directory listing.
type FileInfo struct {
	Head      Header
	FileId    uint64
	FileName  [fileNameLen]byte
	DirGrade  uint32
	FileType  [10]byte
	FileSize  uint64
	ParentDir uint64
	FileDate  [100]byte
}

func NewFileInfo(e *common.FileEntry) *FileInfo {
	p := &FileInfo{FileId: e.FileId, DirGrade: e.DirGrade, FileSize: e.FileSize, ParentDir: e.ParentDir}
	SetStr(p.FileName[:], e.FileName)
	SetStr(p.FileType[:], e.FileType)
	SetStr(p.FileDate[:], e.FileDate)
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *FileInfo) Type() RecordType { return TYPE_FILE_INFO }
func (p *FileInfo) Header() *Header  { return &p.Head }
func (p *FileInfo) BodyLen() uint32  { return fileInfoLen }
func (p *FileInfo) check() string    { return "" }

func (p *FileInfo) encode(b []byte) {
	be.PutUint64(b[0:8], p.FileId)
	copy(b[8:108], p.FileName[:])
	be.PutUint32(b[108:112], p.DirGrade)
	copy(b[112:122], p.FileType[:])
	be.PutUint64(b[122:130], p.FileSize)
	be.PutUint64(b[130:138], p.ParentDir)
	copy(b[138:238], p.FileDate[:])
}

func (p *FileInfo) decode(b []byte) bool {
	if len(b) != fileInfoLen {
		return false
	}
	p.FileId = be.Uint64(b[0:8])
	copy(p.FileName[:], b[8:108])
	p.DirGrade = be.Uint32(b[108:112])
	copy(p.FileType[:], b[112:122])
	p.FileSize = be.Uint64(b[122:130])
	p.ParentDir = be.Uint64(b[130:138])
	copy(p.FileDate[:], b[138:238])
	return true
}

// Entry converts the record back to a directory entry.
func (p *FileInfo) Entry() *common.FileEntry {
	return &common.FileEntry{
		FileId:    p.FileId,
		FileName:  Str(p.FileName[:]),
		DirGrade:  p.DirGrade,
		FileType:  Str(p.FileType[:]),
		FileSize:  p.FileSize,
		ParentDir: p.ParentDir,
		FileDate:  Str(p.FileDate[:]),
	}
}

// ServerInfoPack describes a storage server to the balancer and to clients.
type ServerInfoPack struct {
	Head        Header
	Name        [31]byte
	Ip          [21]byte
	SPort       uint32
	LPort       uint32
	CurConCount uint64
}

// NewServerInfoPack truncates name to 30 and ip to 20 bytes so both stay NUL terminated.
func NewServerInfoPack(name, ip string, sport, lport uint32, count uint64) *ServerInfoPack {
	p := &ServerInfoPack{SPort: sport, LPort: lport, CurConCount: count}
	SetStr(p.Name[:30], name)
	SetStr(p.Ip[:20], ip)
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *ServerInfoPack) Type() RecordType { return TYPE_SERVER_INFO_PACK }
func (p *ServerInfoPack) Header() *Header  { return &p.Head }
func (p *ServerInfoPack) BodyLen() uint32  { return serverInfoPackLen }
func (p *ServerInfoPack) check() string    { return "" }
func (p *ServerInfoPack) ServerName() string {
	return Str(p.Name[:])
}
func (p *ServerInfoPack) Host() string { return Str(p.Ip[:]) }

func (p *ServerInfoPack) encode(b []byte) {
	copy(b[0:31], p.Name[:])
	copy(b[31:52], p.Ip[:])
	be.PutUint32(b[52:56], p.SPort)
	be.PutUint32(b[56:60], p.LPort)
	be.PutUint64(b[60:68], p.CurConCount)
}

func (p *ServerInfoPack) decode(b []byte) bool {
	if len(b) != serverInfoPackLen {
		return false
	}
	copy(p.Name[:], b[0:31])
	copy(p.Ip[:], b[31:52])
	p.SPort = be.Uint32(b[52:56])
	p.LPort = be.Uint32(b[56:60])
	p.CurConCount = be.Uint64(b[60:68])
	return true
}

// ServerState is the heartbeat a storage server sends to the balancer.
type ServerState struct {
	Head        Header
	Code        uint32
	CurConCount uint64
}

func NewServerState(code uint32, count uint64) *ServerState {
	p := &ServerState{Code: code, CurConCount: count}
	p.Head = Header{Type: p.Type(), BodyLen: p.BodyLen()}
	return p
}

func (p *ServerState) Type() RecordType { return TYPE_SERVER_STATE }
func (p *ServerState) Header() *Header  { return &p.Head }
func (p *ServerState) BodyLen() uint32  { return serverStateLen }
func (p *ServerState) check() string    { return "" }

func (p *ServerState) encode(b []byte) {
	be.PutUint32(b[0:4], p.Code)
	be.PutUint64(b[4:12], p.CurConCount)
}

func (p *ServerState) decode(b []byte) bool {
	if len(b) != serverStateLen {
		return false
	}
	p.Code = be.Uint32(b[0:4])
	p.CurConCount = be.Uint64(b[4:12])
	return true
}
