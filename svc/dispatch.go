package svc

import (
	"strings"

	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/conn"
	"github.com/hetianyi/godisk/db"
	"github.com/hetianyi/gox"
	"github.com/hetianyi/gox/logger"
)

type dispatchKey struct {
	recordType bridge.RecordType
	code       bridge.OpCode
}

// requestContext is what a handler works on: one decoded record and the
// connection it arrived on.
type requestContext struct {
	server *StorageServer
	conn   *conn.Conn
	record bridge.Record
}

type handlerFunc func(ctx *requestContext)

// route binds a handler to the connection kind it may run on.
type route struct {
	kind    common.ConnKind
	handler handlerFunc
}

var operationHandlerMap = map[dispatchKey]route{
	{bridge.TYPE_PDU, bridge.CODE_SIGNIN}:                     {common.CONN_SHORT, signInHandler},
	{bridge.TYPE_PDU, bridge.CODE_SIGNUP}:                     {common.CONN_SHORT, signUpHandler},
	{bridge.TYPE_PDU, bridge.CODE_CD}:                         {common.CONN_SHORT, listDirHandler},
	{bridge.TYPE_PDU, bridge.CODE_MAKEDIR}:                    {common.CONN_SHORT, makeDirHandler},
	{bridge.TYPE_PDU, bridge.CODE_DELETEFILE}:                 {common.CONN_SHORT, deleteHandler},
	{bridge.TYPE_PDU, bridge.CODE_CLIENTSHUT}:                 {common.CONN_SHORT, clientShutHandler},
	{bridge.TYPE_TRAN_PDU, bridge.CODE_PUTS}:                  {common.CONN_TRANSFER, putsHandler},
	{bridge.TYPE_TRAN_PDU, bridge.CODE_PUTSCONTINUE}:          {common.CONN_TRANSFER, putsHandler},
	{bridge.TYPE_TRAN_DATA_PDU, bridge.CODE_PUTS_DATA}:        {common.CONN_TRANSFER, putsDataHandler},
	{bridge.TYPE_TRAN_FINISH_PDU, bridge.CODE_PUTS_FINISH}:    {common.CONN_TRANSFER, putsFinishHandler},
	{bridge.TYPE_TRAN_PDU, bridge.CODE_GETS}:                  {common.CONN_TRANSFER, getsHandler},
	{bridge.TYPE_TRAN_DATA_PDU, bridge.CODE_GETS_DATA}:        {common.CONN_TRANSFER, getsDataHandler},
	{bridge.TYPE_TRAN_FINISH_PDU, bridge.CODE_GETS_FINISH}:    {common.CONN_TRANSFER, getsFinishHandler},
	{bridge.TYPE_TRAN_CONTROL_PDU, bridge.CODE_GETS_CONTROL}:  {common.CONN_TRANSFER, getsControlHandler},
	{bridge.TYPE_TRAN_CONTROL_PDU, bridge.CODE_GETCONTINUENO}: {common.CONN_TRANSFER, getContinueNoHandler},
}

// newRecord returns an empty record of type t, nil for types a client
// never sends to a storage server.
func newRecord(t bridge.RecordType) bridge.Record {
	switch t {
	case bridge.TYPE_PDU:
		return &bridge.Pdu{}
	case bridge.TYPE_TRAN_PDU:
		return &bridge.TranPdu{}
	case bridge.TYPE_TRAN_DATA_PDU:
		return &bridge.TranDataPdu{}
	case bridge.TYPE_TRAN_FINISH_PDU:
		return &bridge.TranFinishPdu{}
	case bridge.TYPE_TRAN_CONTROL_PDU:
		return &bridge.TranControlPdu{}
	}
	return nil
}

func opCode(r bridge.Record) bridge.OpCode {
	switch v := r.(type) {
	case *bridge.Pdu:
		return v.Code
	case *bridge.TranPdu:
		return v.Code
	case *bridge.TranDataPdu:
		return v.Code
	case *bridge.TranFinishPdu:
		return v.Code
	case *bridge.TranControlPdu:
		return v.Code
	}
	return bridge.CODE_UNKNOWN
}

// dispatch decodes one frame and runs its handler. Frames that do not
// decode are dropped, the connection stays open.
func (s *StorageServer) dispatch(frame []byte, c *conn.Conn) {
	if c.Closed() {
		return
	}
	h, ok := bridge.PeekHeader(frame)
	if !ok {
		return
	}
	record := newRecord(h.Type)
	if record == nil {
		logger.Warn("drop record of type ", h.Type, " from ", c.RemoteAddr())
		return
	}
	if !bridge.Deserialize(frame, len(frame), record) {
		logger.Warn("drop malformed ", h.Type, " record from ", c.RemoteAddr())
		return
	}
	key := dispatchKey{recordType: h.Type, code: opCode(record)}
	r, ok := operationHandlerMap[key]
	if !ok {
		logger.Warn("no handler for ", h.Type, " code ", key.code)
		return
	}
	ctx := &requestContext{server: s, conn: c, record: record}
	if r.kind != c.Kind() {
		logger.Warn("refuse ", h.Type, " code ", key.code, " on wrong connection kind from ", c.RemoteAddr())
		ctx.reply(key.code, bridge.STATUS_FAILED, 0, nil)
		return
	}
	gox.Try(func() {
		r.handler(ctx)
	}, func(e interface{}) {
		logger.Error("handler ", h.Type, " code ", key.code, " err: ", e)
	})
}

// send writes one record to the connection of the request.
func (ctx *requestContext) send(r bridge.Record) {
	if err := ctx.conn.Send(ctx.server.pool, r); err != nil {
		logger.Debug("send to ", ctx.conn.RemoteAddr(), " failed: ", err)
	}
}

func (ctx *requestContext) reply(code bridge.OpCode, status bridge.Status, amount uint32, msg []byte) {
	ctx.send(bridge.NewPduRespond(code, status, amount, msg))
}

// close routes the close through the event loop owning the connection.
func (ctx *requestContext) close() {
	ctx.server.closeConn(ctx.conn)
}

// withStore runs f with a db handle taken from the pool.
func (ctx *requestContext) withStore(f func(store db.Store) error) error {
	store, err := ctx.server.dbPool.GetDB()
	if err != nil {
		return err
	}
	defer ctx.server.dbPool.ReturnDB(store)
	return f(store)
}

// fileSuffix returns the extension after the last dot, "other" when the
// name has none.
func fileSuffix(name string) string {
	if name == "" {
		return ""
	}
	pos := strings.LastIndexByte(name, '.')
	if pos >= 0 && pos != len(name)-1 {
		return name[pos+1:]
	}
	return "other"
}
