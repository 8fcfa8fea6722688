package svc

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/conn"
	"github.com/hetianyi/godisk/db"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
)

const (
	vipChunkDelay    = time.Millisecond * 5
	normalChunkDelay = time.Millisecond * 10
)

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// authTransfer checks the credentials carried by a transfer start record.
func authTransfer(store db.Store, pdu *bridge.TranPdu) (*common.UserInfo, error) {
	info, err := store.GetUserInfo(pdu.UserName(), pdu.Password())
	if err != nil || info == nil || info.Cipher == "" {
		return nil, err
	}
	return info, nil
}

// putsHandler starts an upload: PUTS from zero or PUTSCONTINUE from the
// recorded progress of a partial blob already on disk.
func putsHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.TranPdu)
	x := ctx.conn.Transfer()
	if x.Status() != common.STATUS_START {
		ctx.reply(bridge.CODE_PUTS, bridge.STATUS_FAILED, 0, nil)
		return
	}
	var (
		info   *common.UserInfo
		task   *conn.Task
		status = bridge.STATUS_FAILED
		msg    []byte
	)
	err := ctx.withStore(func(store db.Store) error {
		var err error
		if info, err = authTransfer(store, pdu); err != nil || info == nil {
			return err
		}
		status, msg, task, err = ctx.createUploadTask(store, pdu)
		return err
	})
	if err != nil {
		logger.Error("upload start of ", pdu.UserName(), " failed: ", err)
		status = bridge.STATUS_FAILED
	}
	switch status {
	case bridge.STATUS_SUCCESS, bridge.STATUS_PUT_CONTINUE_FAILED, bridge.STATUS_PUT_QUICK:
		if !x.SetTask(task) {
			task.Release()
			ctx.reply(bridge.CODE_PUTS, bridge.STATUS_FAILED, 0, nil)
			return
		}
		ctx.conn.SetUser(info)
		ctx.conn.SetVerified(true)
		if status == bridge.STATUS_PUT_QUICK {
			x.SetStatus(common.STATUS_FIN)
			logger.Info("upload file quick: ", task.FileName)
		} else {
			x.SetStatus(common.STATUS_DOING)
			logger.Debug("upload file start: ", task.FileName, ", size ", task.Total(), ", from ", task.Handled())
		}
	}
	ctx.reply(bridge.CODE_PUTS, status, 0, msg)
	if status == bridge.STATUS_FAILED || status == bridge.STATUS_NO_CAPACITY {
		ctx.conn.SetVerified(false)
		return
	}
	if status != bridge.STATUS_PUT_QUICK && task.Complete() {
		ctx.finishUpload(task)
	}
}

// createUploadTask prepares the blob of an upload. The returned error is
// reserved for database failures.
func (ctx *requestContext) createUploadTask(store db.Store, pdu *bridge.TranPdu) (bridge.Status, []byte, *conn.Task, error) {
	user, name, md5 := pdu.UserName(), pdu.Name(), pdu.Md5()
	if fileSuffix(name) == common.DIR_SUFFIX || !safeName(md5) {
		logger.Warn("refuse to upload ", name, " of ", user)
		return bridge.STATUS_FAILED, nil, nil, nil
	}
	enough, err := store.GetIsEnoughSpace(user, pdu.Password(), pdu.FileSize)
	if err != nil {
		return bridge.STATUS_FAILED, nil, nil, err
	}
	if !enough {
		return bridge.STATUS_NO_CAPACITY, nil, nil, nil
	}
	exist, err := store.GetFileExist(user, md5)
	if err != nil {
		return bridge.STATUS_FAILED, nil, nil, err
	}
	if exist {
		id, err := store.InsertFileData(user, name, md5, pdu.FileSize, pdu.ParentDirId, fileSuffix(name))
		if err != nil || id == 0 {
			return bridge.STATUS_FAILED, nil, nil, err
		}
		task := conn.NewTask(common.TASK_UPLOAD, name, md5, "", pdu.ParentDirId, pdu.FileSize)
		task.SetHandled(pdu.FileSize)
		return bridge.STATUS_PUT_QUICK, u64(id), task, nil
	}

	if err = ctx.server.createUserDir(user); err != nil {
		logger.Error("cannot create directory of ", user, ": ", err)
		return bridge.STATUS_FAILED, nil, nil, nil
	}
	path := ctx.server.userDir(user) + "/" + md5
	status := bridge.STATUS_SUCCESS
	var msg []byte
	var resume uint64
	if pdu.Code == bridge.CODE_PUTSCONTINUE {
		resume = resumeOffset(path, pdu.FileSize)
		if resume > 0 {
			msg = u64(resume)
		} else {
			status = bridge.STATUS_PUT_CONTINUE_FAILED
		}
	}
	if resume == 0 {
		os.Remove(conn.ProgressPath(path))
	}
	flag := os.O_RDWR | os.O_CREATE
	if resume == 0 {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		logger.Error("open upload file ", path, " failed: ", err)
		return bridge.STATUS_FAILED, nil, nil, nil
	}
	task := conn.NewTask(common.TASK_UPLOAD, name, md5, path, pdu.ParentDirId, pdu.FileSize)
	if err = conn.Preallocate(f, int64(pdu.FileSize)); err == nil {
		err = task.Map(f, int64(pdu.FileSize), true)
	}
	if err != nil {
		logger.Error("prepare upload file ", path, " failed: ", err)
		f.Close()
		file.Delete(path)
		return bridge.STATUS_FAILED, nil, nil, nil
	}
	task.SetHandled(resume)
	task.TrackProgress(resume)
	return status, msg, task, nil
}

// resumeOffset returns the written prefix of a partial blob left behind
// by an earlier run, 0 when there is nothing to continue.
func resumeOffset(path string, size uint64) uint64 {
	done, ok := conn.LoadProgress(path)
	if !ok || done == 0 || done >= size {
		return 0
	}
	st, err := os.Stat(path)
	if err != nil || uint64(st.Size()) != size {
		return 0
	}
	return done
}

// putsDataHandler stores one chunk and acknowledges its index. The chunk
// that completes the file also records it in the database.
func putsDataHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.TranDataPdu)
	x := ctx.conn.Transfer()
	task := x.Task()
	if x.Status() != common.STATUS_DOING || !ctx.conn.Verified() || task == nil || task.Kind != common.TASK_UPLOAD {
		ctx.reply(bridge.CODE_PUTS_DATA, bridge.STATUS_FAILED, 0, nil)
		return
	}
	chunk := uint64(pdu.ChunkSize)
	total := task.Total()
	if uint64(len(pdu.Data)) < chunk || pdu.FileOffset > total || chunk > total-pdu.FileOffset {
		logger.Warn("upload chunk ", pdu.ChunkIndex, " out of range: offset ", pdu.FileOffset, ", size ", chunk)
		ctx.reply(bridge.CODE_PUTS_DATA, bridge.STATUS_FAILED, 0, nil)
		return
	}
	// the bytes land before they are counted, so a complete count means
	// a complete file
	if !task.WriteAt(pdu.FileOffset, pdu.Data[:chunk]) || !task.TryAddHandled(chunk) {
		logger.Warn("upload chunk ", pdu.ChunkIndex, " rejected: handled ", task.Handled(), " of ", total)
		ctx.reply(bridge.CODE_PUTS_DATA, bridge.STATUS_FAILED, 0, nil)
		return
	}
	ctx.reply(bridge.CODE_PUTS_DATA, bridge.STATUS_SUCCESS, 1, u32(pdu.ChunkIndex))
	if task.Complete() {
		ctx.finishUpload(task)
	}
}

// finishUpload moves DOING to FIN once and inserts the file row.
func (ctx *requestContext) finishUpload(task *conn.Task) {
	if !ctx.conn.Transfer().CompareAndSetStatus(common.STATUS_DOING, common.STATUS_FIN) {
		return
	}
	user := ctx.conn.User().User
	var id uint64
	err := ctx.withStore(func(store db.Store) error {
		var err error
		id, err = store.InsertFileData(user, task.FileName, task.FileMd5, task.Total(), task.ParentId, fileSuffix(task.FileName))
		return err
	})
	if err != nil || id == 0 {
		logger.Error("insert uploaded file ", task.FileName, " of ", user, " failed: ", err)
		ctx.reply(bridge.CODE_PUTS_FINISH, bridge.STATUS_FAILED, 0, nil)
		return
	}
	logger.Debug("upload file: recv file data finish: ", task.FileName)
	ctx.reply(bridge.CODE_PUTS_FINISH, bridge.STATUS_SUCCESS, 1, u64(id))
}

// putsFinishHandler receives the client's own check of a finished upload.
// A mismatch is logged, the inserted row stays.
func putsFinishHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.TranFinishPdu)
	x := ctx.conn.Transfer()
	task := x.Task()
	if x.Status() != common.STATUS_FIN || task == nil || task.Kind != common.TASK_UPLOAD {
		logger.Warn("unexpected upload finish from ", ctx.conn.RemoteAddr(), " in status ", x.Status())
		ctx.reply(bridge.CODE_PUTS_FINISH, bridge.STATUS_FAILED, 0, nil)
		return
	}
	user := ctx.conn.User().User
	if task.Total() != pdu.FileSize || task.FileMd5 != pdu.Md5() {
		logger.Error("client ", user, " puts error: ", task.FileName)
	} else {
		logger.Info("client ", user, " puts: ", task.FileName)
	}
	x.SetStatus(common.STATUS_CLOSE)
	ctx.close()
}

// getsHandler starts a download of the file whose id travels in the
// parent dir field, from the offset in the sended size field.
func getsHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.TranPdu)
	x := ctx.conn.Transfer()
	if x.Status() != common.STATUS_START {
		ctx.reply(bridge.CODE_GETS, bridge.STATUS_FAILED, 0, nil)
		return
	}
	var (
		info   *common.UserInfo
		md5    string
		found  bool
		status = bridge.STATUS_FAILED
	)
	err := ctx.withStore(func(store db.Store) error {
		var err error
		if info, err = authTransfer(store, pdu); err != nil || info == nil {
			return err
		}
		md5, found, err = store.GetFileMd5(info.User, pdu.ParentDirId)
		return err
	})
	var task *conn.Task
	switch {
	case err != nil:
		logger.Error("download start of ", pdu.UserName(), " failed: ", err)
	case info == nil:
	case !found || !safeName(md5):
		status = bridge.STATUS_FILE_NOT_EXIST
	default:
		status, task = ctx.createDownloadTask(info.User, md5, pdu)
	}
	if status != bridge.STATUS_SUCCESS || !x.SetTask(task) {
		if task != nil {
			task.Release()
			status = bridge.STATUS_FAILED
		}
		ctx.reply(bridge.CODE_GETS, status, 0, nil)
		x.SetStatus(common.STATUS_CLOSE)
		ctx.close()
		return
	}
	ctx.conn.SetUser(info)
	ctx.conn.SetVerified(true)
	x.SetStatus(common.STATUS_DOING)
	msg := append(u64(task.Total()), md5...)
	ctx.reply(bridge.CODE_GETS, bridge.STATUS_SUCCESS, 1, msg)
	logger.Debug("download file start: ", md5, " from ", task.Handled())
}

func (ctx *requestContext) createDownloadTask(user, md5 string, pdu *bridge.TranPdu) (bridge.Status, *conn.Task) {
	path := ctx.server.userDir(user) + "/" + md5
	st, err := os.Stat(path)
	if err != nil {
		return bridge.STATUS_FILE_NOT_EXIST, nil
	}
	size := uint64(st.Size())
	if pdu.SendedSize >= size {
		return bridge.STATUS_GET_CONTINUE_FAILED, nil
	}
	f, err := os.Open(path)
	if err != nil {
		logger.Error("open download file ", path, " failed: ", err)
		return bridge.STATUS_FAILED, nil
	}
	task := conn.NewTask(common.TASK_DOWNLOAD, pdu.Name(), md5, path, 0, size)
	if err = task.Map(f, int64(size), false); err != nil {
		logger.Error("map download file ", path, " failed: ", err)
		f.Close()
		return bridge.STATUS_FAILED, nil
	}
	task.SetHandled(pdu.SendedSize)
	return bridge.STATUS_SUCCESS, task
}

// getsDataHandler pushes the file from the resume offset in fixed size
// chunks. The sender blocks while paused and stops once closed.
func getsDataHandler(ctx *requestContext) {
	x := ctx.conn.Transfer()
	task := x.Task()
	if x.Status() != common.STATUS_DOING || !ctx.conn.Verified() || task == nil || task.Kind != common.TASK_DOWNLOAD {
		ctx.reply(bridge.CODE_GETS_DATA, bridge.STATUS_FAILED, 0, nil)
		return
	}
	delay := normalChunkDelay
	if ctx.conn.User().Vip() {
		delay = vipChunkDelay
	}
	start, total := task.Handled(), task.Total()
	const chunkSize = uint64(common.DOWNLOAD_CHUNK_SIZE)
	chunks := (total - start + chunkSize - 1) / chunkSize
	buf := make([]byte, chunkSize)
	for i := uint64(0); i < chunks; i++ {
		if x.WaitWhilePaused() != common.STATUS_DOING {
			break
		}
		time.Sleep(delay)
		offset := start + i*chunkSize
		n := chunkSize
		if total-offset < n {
			n = total - offset
		}
		if !task.ReadAt(offset, buf[:n]) {
			break
		}
		task.TryAddHandled(n)
		// FIN precedes the last chunk on the wire
		if task.Complete() &&
			!x.CompareAndSetStatus(common.STATUS_DOING, common.STATUS_FIN) &&
			!x.CompareAndSetStatus(common.STATUS_PAUSE, common.STATUS_FIN) {
			break
		}
		data := bridge.NewTranDataPdu(bridge.CODE_GETS_DATA, bridge.STATUS_SUCCESS, offset, uint32(i), uint32(chunks), buf[:n])
		if err := ctx.conn.Send(ctx.server.pool, data); err != nil {
			logger.Debug("download file: send data error: ", err)
			break
		}
		if x.Status() == common.STATUS_FIN {
			return
		}
	}
	x.SetStatus(common.STATUS_CLOSE)
	ctx.close()
}

// getsFinishHandler receives the client's check of a finished download,
// a file size of 1 meaning the hash matched.
func getsFinishHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.TranFinishPdu)
	x := ctx.conn.Transfer()
	task := x.Task()
	if x.Status() != common.STATUS_FIN || task == nil || task.Kind != common.TASK_DOWNLOAD {
		ctx.reply(bridge.CODE_GETS_FINISH, bridge.STATUS_FAILED, 0, nil)
		return
	}
	user := ctx.conn.User().User
	if pdu.FileSize == 1 {
		ctx.reply(bridge.CODE_GETS_FINISH, bridge.STATUS_SUCCESS, 0, nil)
		logger.Info("client ", user, " gets: ", task.FileName)
	} else {
		ctx.reply(bridge.CODE_GETS_FINISH, bridge.STATUS_FAILED, 0, nil)
		logger.Warn("client ", user, " gets failed: ", task.FileName)
	}
	x.SetStatus(common.STATUS_CLOSE)
	ctx.close()
}

// getsControlHandler pauses, resumes or cancels a running download.
func getsControlHandler(ctx *requestContext) {
	pdu := ctx.record.(*bridge.TranControlPdu)
	x := ctx.conn.Transfer()
	ok := false
	if ctx.conn.Verified() {
		switch pdu.Action {
		case bridge.ACTION_PAUSE:
			ok = x.Control(common.STATUS_PAUSE)
		case bridge.ACTION_RESUME:
			if ok = x.Control(common.STATUS_DOING); ok {
				x.NotifyOne()
			}
		case bridge.ACTION_CANCEL:
			if ok = x.Control(common.STATUS_CLOSE); ok {
				x.NotifyAll()
			}
		}
	}
	if !ok {
		ctx.reply(bridge.CODE_GETS_CONTROL, bridge.STATUS_FAILED, 0, nil)
		return
	}
	ctx.reply(bridge.CODE_GETS_CONTROL, bridge.STATUS_SUCCESS, 0, nil)
	if pdu.Action == bridge.ACTION_CANCEL {
		ctx.close()
	}
}

// getContinueNoHandler restarts an accepted download from offset 0.
func getContinueNoHandler(ctx *requestContext) {
	x := ctx.conn.Transfer()
	task := x.Task()
	if x.Status() != common.STATUS_DOING || task == nil || task.Kind != common.TASK_DOWNLOAD {
		ctx.reply(bridge.CODE_GETCONTINUENO, bridge.STATUS_FAILED, 0, nil)
		return
	}
	task.SetHandled(0)
	ctx.reply(bridge.CODE_GETCONTINUENO, bridge.STATUS_SUCCESS, 0, nil)
}
