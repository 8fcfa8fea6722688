package svc

import (
	"encoding/binary"
	"strings"

	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/db"
	"github.com/hetianyi/godisk/util"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
)

// signInHandler verifies the credentials and caches the identity on the
// connection.
func signInHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.Pdu)
	var info *common.UserInfo
	err := ctx.withStore(func(store db.Store) error {
		var err error
		info, err = store.GetUserInfo(pdu.UserName(), pdu.Password())
		return err
	})
	if err != nil {
		logger.Error("sign in of ", pdu.UserName(), " failed: ", err)
	}
	if err != nil || info == nil || info.Cipher == "" {
		ctx.reply(bridge.CODE_SIGNIN, bridge.STATUS_FAILED, 0, nil)
		return
	}
	ctx.conn.SetUser(info)
	ctx.conn.SetVerified(true)
	ctx.reply(bridge.CODE_SIGNIN, bridge.STATUS_SUCCESS, 1, bridge.EncodeBody(bridge.NewUserInfo(info)))
	logger.Info("user ", info.User, " login")
}

// signUpHandler creates the account and its root folder, then signs the
// connection in.
func signUpHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.Pdu)
	user, pwd := pdu.UserName(), pdu.Password()
	if !safeName(user) || pwd == "" {
		ctx.reply(bridge.CODE_SIGNUP, bridge.STATUS_FAILED, 0, nil)
		return
	}
	var info *common.UserInfo
	err := ctx.withStore(func(store db.Store) error {
		exist, err := store.GetUserExist(user)
		if err != nil || exist {
			return err
		}
		if err = store.InsertUser(user, pwd, util.Cipher(user, pwd)); err != nil {
			return err
		}
		if err = ctx.server.createUserDir(user); err != nil {
			return err
		}
		info, err = store.GetUserInfo(user, pwd)
		return err
	})
	if err != nil {
		logger.Error("sign up of ", user, " failed: ", err)
	}
	if err != nil || info == nil {
		ctx.reply(bridge.CODE_SIGNUP, bridge.STATUS_FAILED, 0, nil)
		return
	}
	ctx.conn.SetUser(info)
	ctx.conn.SetVerified(true)
	ctx.reply(bridge.CODE_SIGNUP, bridge.STATUS_SUCCESS, 1, bridge.EncodeBody(bridge.NewUserInfo(info)))
	logger.Info("user ", user, " signed up")
}

// listDirHandler replies with the entry count followed by one FileInfo
// per entry, all under one hold of the send lock.
func listDirHandler(ctx *requestContext) {
	if !ctx.conn.Verified() {
		ctx.reply(bridge.CODE_CD, bridge.STATUS_NOT_VERIFY, 0, nil)
		return
	}
	user := ctx.conn.User().User
	var entries []common.FileEntry
	err := ctx.withStore(func(store db.Store) error {
		var err error
		entries, err = store.GetUserAllFileInfo(user)
		return err
	})
	if err != nil {
		logger.Error("list files of ", user, " failed: ", err)
		ctx.reply(bridge.CODE_CD, bridge.STATUS_FAILED, 0, nil)
		return
	}
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(entries)))
	records := make([]bridge.Record, 0, len(entries)+1)
	records = append(records, bridge.NewPduRespond(bridge.CODE_CD, bridge.STATUS_SUCCESS, 1, count))
	for i := range entries {
		records = append(records, bridge.NewFileInfo(&entries[i]))
	}
	if err = ctx.conn.SendAll(ctx.server.pool, records...); err != nil {
		logger.Debug("send listing to ", ctx.conn.RemoteAddr(), " failed: ", err)
	}
	logger.Debug("client ", user, " cd")
}

// makeDirHandler creates a directory under the parent id carried in the
// first 8 bytes of msg.
func makeDirHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.Pdu)
	if !ctx.conn.Verified() {
		ctx.reply(bridge.CODE_MAKEDIR, bridge.STATUS_NOT_VERIFY, 0, nil)
		return
	}
	var parent uint64
	if len(pdu.Msg) >= 8 {
		parent = binary.BigEndian.Uint64(pdu.Msg[:8])
	}
	user := ctx.conn.User().User
	var id uint64
	err := ctx.withStore(func(store db.Store) error {
		var err error
		id, err = store.InsertFileData(user, pdu.Name(), "", 0, parent, common.DIR_SUFFIX)
		return err
	})
	if err != nil || id == 0 {
		logger.Error("create directory ", pdu.Name(), " of ", user, " failed: ", err)
		ctx.reply(bridge.CODE_MAKEDIR, bridge.STATUS_FAILED, 0, nil)
		return
	}
	msg := make([]byte, 16+len(pdu.FileName))
	binary.BigEndian.PutUint64(msg[0:8], id)
	binary.BigEndian.PutUint64(msg[8:16], parent)
	copy(msg[16:], pdu.FileName[:])
	ctx.reply(bridge.CODE_MAKEDIR, bridge.STATUS_SUCCESS, 1, msg)
	logger.Info("client ", user, " created directory: ", pdu.Name())
}

// deleteHandler removes a file, or a directory tree when the name ends
// with the directory suffix. The file id travels in the first 8 bytes of
// the password field.
func deleteHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.Pdu)
	if !ctx.conn.Verified() {
		ctx.reply(bridge.CODE_DELETEFILE, bridge.STATUS_NOT_VERIFY, 0, nil)
		return
	}
	fileId := binary.BigEndian.Uint64(pdu.Pwd[:8])
	isDir := fileSuffix(pdu.Name()) == common.DIR_SUFFIX
	user := ctx.conn.User().User
	var ok bool
	err := ctx.withStore(func(store db.Store) error {
		var err error
		if isDir {
			ok, err = store.DeleteOneDir(user, fileId)
		} else {
			ok, err = store.DeleteOneFile(user, fileId)
		}
		return err
	})
	if err != nil || !ok {
		logger.Warn("delete ", fileId, " of ", user, " failed: ", err)
		ctx.reply(bridge.CODE_DELETEFILE, bridge.STATUS_FAILED, 0, nil)
		return
	}
	ctx.reply(bridge.CODE_DELETEFILE, bridge.STATUS_SUCCESS, 0, nil)
}

func clientShutHandler(ctx *requestContext) {
	logger.Debug("client ", ctx.conn.RemoteAddr(), " shut down")
	ctx.close()
}

// safeName reports whether s can be used as one path element.
func safeName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}

func (s *StorageServer) createUserDir(user string) error {
	dir := s.userDir(user)
	if file.Exists(dir) {
		return nil
	}
	return file.CreateDirs(dir)
}

func (s *StorageServer) userDir(user string) string {
	return s.config.RootDir + "/" + user
}
