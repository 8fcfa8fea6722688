package bridge

import (
	"encoding/binary"
	"fmt"
)

// RecordType is the first field of every frame header.
type RecordType uint16

// OpCode tells the receiver which operation a record belongs to.
type OpCode uint32

// Status is the outcome carried by replies.
type Status uint32

// Action is a transfer control action.
type Action uint32

const (
	HeaderSize = 8
	MaxMsgLen  = 200 // bound of Pdu.Msg and RespondPack.Reserve
)

const (
	TYPE_UNKNOWN RecordType = iota
	TYPE_PDU
	TYPE_PDU_RESPOND
	TYPE_TRAN_PDU
	TYPE_TRAN_DATA_PDU
	TYPE_TRAN_FINISH_PDU
	TYPE_TRAN_CONTROL_PDU
	TYPE_RESPOND_PACK
	TYPE_USER_INFO
	TYPE_FILE_INFO
	TYPE_SERVER_INFO_PACK
	TYPE_SERVER_STATE
)

const (
	CODE_UNKNOWN OpCode = iota
	CODE_SIGNIN
	CODE_SIGNUP
	CODE_PUTS
	CODE_PUTS_DATA
	CODE_PUTS_FINISH
	CODE_GETS
	CODE_GETS_DATA
	CODE_GETS_FINISH
	CODE_GETS_CONTROL
	CODE_CD
	CODE_MAKEDIR
	CODE_DELETEFILE
	CODE_CLIENTSHUT
	CODE_PUTSCONTINUE
	CODE_GETCONTINUENO
)

const (
	STATUS_DEFAULT Status = iota
	STATUS_SUCCESS
	STATUS_FAILED
	STATUS_NOT_VERIFY
	STATUS_NO_CAPACITY
	STATUS_PUT_QUICK
	STATUS_PUT_CONTINUE_FAILED
	STATUS_GET_CONTINUE_FAILED
	STATUS_FILE_NOT_EXIST
)

const (
	ACTION_UNKNOWN Action = iota
	ACTION_PAUSE
	ACTION_RESUME
	ACTION_CANCEL
)

var typeNames = map[RecordType]string{
	TYPE_UNKNOWN:          "Unknown",
	TYPE_PDU:              "Pdu",
	TYPE_PDU_RESPOND:      "PduRespond",
	TYPE_TRAN_PDU:         "TranPdu",
	TYPE_TRAN_DATA_PDU:    "TranDataPdu",
	TYPE_TRAN_FINISH_PDU:  "TranFinishPdu",
	TYPE_TRAN_CONTROL_PDU: "TranControlPdu",
	TYPE_RESPOND_PACK:     "RespondPack",
	TYPE_USER_INFO:        "UserInfo",
	TYPE_FILE_INFO:        "FileInfo",
	TYPE_SERVER_INFO_PACK: "ServerInfoPack",
	TYPE_SERVER_STATE:     "ServerState",
}

func (t RecordType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("RecordType(%d)", uint16(t))
}

// Header prefixes every frame on the wire.
type Header struct {
	Type     RecordType
	BodyLen  uint32
	Version  uint8
	Reserved uint8
}

func (h *Header) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], uint16(h.Type))
	binary.BigEndian.PutUint32(b[2:6], h.BodyLen)
	b[6] = h.Version
	b[7] = h.Reserved
}

// PeekHeader decodes the header at the start of buf without consuming it.
// It returns false when fewer than HeaderSize bytes are available.
func PeekHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	return Header{
		Type:     RecordType(binary.BigEndian.Uint16(buf[0:2])),
		BodyLen:  binary.BigEndian.Uint32(buf[2:6]),
		Version:  buf[6],
		Reserved: buf[7],
	}, true
}

// FrameLen returns the full size of the frame described by h.
func (h Header) FrameLen() int {
	return HeaderSize + int(h.BodyLen)
}

// PreconditionError is the panic value of Serialize when the caller hands
// over an inconsistent record. It never reaches a peer.
type PreconditionError struct {
	Type   RecordType
	Reason string
}

func (e *PreconditionError) Error() string {
	return "serialize " + e.Type.String() + ": " + e.Reason
}
