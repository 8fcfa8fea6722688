package api

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/util"
	"github.com/hetianyi/gox/logger"
)

// UploadResult describes a stored file.
type UploadResult struct {
	FileId uint64
	Md5    string
	// Quick is set when the server already had the content.
	Quick bool
	// Resumed is the offset the server continued from.
	Resumed uint64
}

func fileMd5(src io.ReaderAt, size int64) (string, error) {
	h := util.CreateMd5Hash()
	if _, err := io.Copy(h, io.NewSectionReader(src, 0, size)); err != nil {
		return "", err
	}
	return util.GetMd5HashString(h), nil
}

// Upload stores size bytes of src as name under the parent directory.
// With resume set the server continues a partial upload of the same
// content when it has one.
func (c *Client) Upload(name string, parent uint64, src io.ReaderAt, size int64, resume bool) (*UploadResult, error) {
	md5, err := fileMd5(src, size)
	if err != nil {
		return nil, err
	}
	tc, err := c.dial(c.config.TransferAddr)
	if err != nil {
		return nil, err
	}
	defer tc.Close()
	tc.SetDeadline(time.Now().Add(c.config.Timeout))

	code := bridge.CODE_PUTS
	if resume {
		code = bridge.CODE_PUTSCONTINUE
	}
	start := bridge.NewTranPdu(code, c.user, c.pwd, name, md5, uint64(size), 0, parent)
	if err = bridge.WriteRecord(tc, c.pool, start); err != nil {
		return nil, err
	}
	resp := &bridge.PduRespond{}
	if err = bridge.ReadRecord(tc, c.pool, resp); err != nil {
		return nil, err
	}
	ret := &UploadResult{Md5: md5}
	switch resp.Status {
	case bridge.STATUS_PUT_QUICK:
		if len(resp.Msg) < 8 {
			return nil, bridge.ErrMalformed
		}
		ret.FileId = binary.BigEndian.Uint64(resp.Msg[:8])
		ret.Quick = true
		c.finishUpload(tc, uint64(size), md5)
		return ret, nil
	case bridge.STATUS_SUCCESS:
		if len(resp.Msg) >= 8 {
			ret.Resumed = binary.BigEndian.Uint64(resp.Msg[:8])
		}
	case bridge.STATUS_PUT_CONTINUE_FAILED:
	default:
		return nil, &StatusError{Code: bridge.CODE_PUTS, Status: resp.Status}
	}

	// acks may arrive in any order, the finish reply ends the upload
	done := make(chan error, 1)
	go func() {
		done <- c.awaitUploadFinish(tc, ret)
	}()
	if err = c.sendChunks(tc, src, ret.Resumed, uint64(size)); err != nil {
		tc.Close()
		<-done
		return nil, err
	}
	if err = <-done; err != nil {
		return nil, err
	}
	c.finishUpload(tc, uint64(size), md5)
	return ret, nil
}

func (c *Client) sendChunks(w io.Writer, src io.ReaderAt, from, size uint64) error {
	total := uint32((size - from + UploadChunkSize - 1) / UploadChunkSize)
	buf := make([]byte, UploadChunkSize)
	for i := uint32(0); i < total; i++ {
		offset := from + uint64(i)*UploadChunkSize
		n := uint64(UploadChunkSize)
		if size-offset < n {
			n = size - offset
		}
		if _, err := src.ReadAt(buf[:n], int64(offset)); err != nil && err != io.EOF {
			return err
		}
		data := bridge.NewTranDataPdu(bridge.CODE_PUTS_DATA, bridge.STATUS_DEFAULT, offset, i, total, buf[:n])
		if err := bridge.WriteRecord(w, c.pool, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) awaitUploadFinish(r io.Reader, ret *UploadResult) error {
	for {
		resp := &bridge.PduRespond{}
		if err := bridge.ReadRecord(r, c.pool, resp); err != nil {
			return err
		}
		switch resp.Code {
		case bridge.CODE_PUTS_DATA:
			if resp.Status != bridge.STATUS_SUCCESS {
				return &StatusError{Code: resp.Code, Status: resp.Status}
			}
		case bridge.CODE_PUTS_FINISH:
			if resp.Status != bridge.STATUS_SUCCESS || len(resp.Msg) < 8 {
				return &StatusError{Code: resp.Code, Status: resp.Status}
			}
			ret.FileId = binary.BigEndian.Uint64(resp.Msg[:8])
			return nil
		}
	}
}

func (c *Client) finishUpload(w io.Writer, size uint64, md5 string) {
	if err := bridge.WriteRecord(w, c.pool, bridge.NewTranFinishPdu(bridge.CODE_PUTS_FINISH, size, md5)); err != nil {
		logger.Debug("send upload finish: ", err)
	}
}

// Download is an accepted download. Receive pulls the content while
// Pause, Resume and Cancel may be called from other goroutines.
type Download struct {
	client *Client
	conn   *tls.Conn
	// Total is the file size, Md5 its hash as stored by the server.
	Total    uint64
	Md5      string
	offset   uint64
	sendLock sync.Mutex
	canceled int32
}

// OpenDownload asks for the file fileId from offset.
func (c *Client) OpenDownload(fileId uint64, name string, offset uint64) (*Download, error) {
	tc, err := c.dial(c.config.TransferAddr)
	if err != nil {
		return nil, err
	}
	tc.SetDeadline(time.Now().Add(c.config.Timeout))
	start := bridge.NewTranPdu(bridge.CODE_GETS, c.user, c.pwd, name, "", 0, offset, fileId)
	if err = bridge.WriteRecord(tc, c.pool, start); err != nil {
		tc.Close()
		return nil, err
	}
	resp := &bridge.PduRespond{}
	if err = bridge.ReadRecord(tc, c.pool, resp); err != nil {
		tc.Close()
		return nil, err
	}
	if err = expect(resp, bridge.CODE_GETS); err != nil {
		tc.Close()
		return nil, err
	}
	if len(resp.Msg) < 8 {
		tc.Close()
		return nil, bridge.ErrMalformed
	}
	return &Download{
		client: c,
		conn:   tc,
		Total:  binary.BigEndian.Uint64(resp.Msg[:8]),
		Md5:    string(resp.Msg[8:]),
		offset: offset,
	}, nil
}

func (d *Download) send(r bridge.Record) error {
	d.sendLock.Lock()
	defer d.sendLock.Unlock()
	return bridge.WriteRecord(d.conn, d.client.pool, r)
}

// RestartFromZero declines the resume offset. It must precede Receive.
func (d *Download) RestartFromZero() error {
	if err := d.send(bridge.NewTranControlPdu(bridge.CODE_GETCONTINUENO, bridge.ACTION_UNKNOWN, nil)); err != nil {
		return err
	}
	resp := &bridge.PduRespond{}
	if err := bridge.ReadRecord(d.conn, d.client.pool, resp); err != nil {
		return err
	}
	if err := expect(resp, bridge.CODE_GETCONTINUENO); err != nil {
		return err
	}
	d.offset = 0
	return nil
}

func (d *Download) control(action bridge.Action) error {
	return d.send(bridge.NewTranControlPdu(bridge.CODE_GETS_CONTROL, action, nil))
}

func (d *Download) Pause() error  { return d.control(bridge.ACTION_PAUSE) }
func (d *Download) Resume() error { return d.control(bridge.ACTION_RESUME) }

// Cancel stops the download. A running Receive returns ErrCanceled.
func (d *Download) Cancel() error {
	atomic.StoreInt32(&d.canceled, 1)
	return d.control(bridge.ACTION_CANCEL)
}

// Receive writes the content to w and reports progress after every chunk.
// A download started from offset 0 is checked against the server's hash.
func (d *Download) Receive(w io.Writer, progress func(received, total uint64)) error {
	defer d.conn.Close()
	d.conn.SetDeadline(time.Time{})
	if err := d.send(bridge.NewTranDataPdu(bridge.CODE_GETS_DATA, bridge.STATUS_DEFAULT, d.offset, 0, 0, nil)); err != nil {
		return err
	}
	h := util.CreateMd5Hash()
	received := d.offset
	for received < d.Total {
		buf, head, err := bridge.ReadFrame(d.conn, d.client.pool)
		if err != nil {
			if atomic.LoadInt32(&d.canceled) == 1 {
				return ErrCanceled
			}
			return err
		}
		frame := buf.Bytes()[:head.FrameLen()]
		switch head.Type {
		case bridge.TYPE_TRAN_DATA_PDU:
			data := &bridge.TranDataPdu{}
			ok := bridge.Deserialize(frame, len(frame), data)
			buf.Release()
			if !ok || data.FileOffset != received {
				return bridge.ErrMalformed
			}
			if _, err = w.Write(data.Data); err != nil {
				return err
			}
			h.Write(data.Data)
			received += uint64(data.ChunkSize)
			if progress != nil {
				progress(received, d.Total)
			}
		case bridge.TYPE_PDU_RESPOND:
			resp := &bridge.PduRespond{}
			ok := bridge.Deserialize(frame, len(frame), resp)
			buf.Release()
			if !ok {
				return bridge.ErrMalformed
			}
			if resp.Code == bridge.CODE_GETS_DATA {
				return &StatusError{Code: resp.Code, Status: resp.Status}
			}
			if resp.Status != bridge.STATUS_SUCCESS {
				logger.Debug("transfer control refused: ", resp.Status)
			}
		default:
			buf.Release()
			return errors.New("unexpected " + head.Type.String() + " during download")
		}
	}
	match := d.offset > 0 || util.GetMd5HashString(h) == d.Md5
	var verdict uint64
	if match {
		verdict = 1
	}
	d.conn.SetDeadline(time.Now().Add(d.client.config.Timeout))
	if err := d.send(bridge.NewTranFinishPdu(bridge.CODE_GETS_FINISH, verdict, d.Md5)); err != nil {
		return err
	}
	for {
		resp := &bridge.PduRespond{}
		if err := bridge.ReadRecord(d.conn, d.client.pool, resp); err != nil {
			return err
		}
		if resp.Code != bridge.CODE_GETS_FINISH {
			continue
		}
		if !match {
			return ErrChecksum
		}
		return expect(resp, bridge.CODE_GETS_FINISH)
	}
}

// Close drops the connection without finishing the download.
func (d *Download) Close() error {
	return d.conn.Close()
}
