package bridge

import (
	"errors"
	"io"

	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/pool"
)

var (
	ErrMalformed     = errors.New("malformed record")
	ErrFrameTooLarge = errors.New("frame larger than pool buffer")
)

func precondition(r Record) {
	h := r.Header()
	if h.Type != r.Type() {
		panic(&PreconditionError{Type: r.Type(), Reason: "header type is " + h.Type.String()})
	}
	if reason := r.check(); reason != "" {
		panic(&PreconditionError{Type: r.Type(), Reason: reason})
	}
	if h.BodyLen != r.BodyLen() {
		panic(&PreconditionError{Type: r.Type(), Reason: "body_len does not match the record size"})
	}
}

// Serialize writes the framed record into a buffer borrowed from p and
// returns the buffer and the number of bytes used. The caller releases
// the buffer. An inconsistent record or a frame bigger than the pool
// buffers panics with *PreconditionError.
func Serialize(p *pool.BytesPool, r Record) (*pool.Buffer, int) {
	precondition(r)
	n := HeaderSize + int(r.BodyLen())
	if n > p.BufferSize() {
		panic(&PreconditionError{Type: r.Type(), Reason: "frame does not fit a pool buffer"})
	}
	buf := p.Apply()
	b := buf.Bytes()
	r.Header().put(b)
	r.encode(b[HeaderSize:n])
	return buf, n
}

// Deserialize decodes the frame in buf[:n] into r. Variable length data is
// copied out, so buf may be recycled afterwards.
func Deserialize(buf []byte, n int, r Record) bool {
	if n > len(buf) {
		return false
	}
	h, ok := PeekHeader(buf[:n])
	if !ok || h.Type != r.Type() || n < h.FrameLen() {
		return false
	}
	if !r.decode(buf[HeaderSize:h.FrameLen()]) {
		return false
	}
	*r.Header() = h
	return true
}

// Marshal returns the framed record in a fresh slice.
func Marshal(r Record) []byte {
	precondition(r)
	b := make([]byte, HeaderSize+int(r.BodyLen()))
	r.Header().put(b)
	r.encode(b[HeaderSize:])
	return b
}

// EncodeBody returns only the body of r. Replies that embed a record in
// their msg field use it.
func EncodeBody(r Record) []byte {
	precondition(r)
	b := make([]byte, r.BodyLen())
	r.encode(b)
	return b
}

// DecodeBody is the inverse of EncodeBody.
func DecodeBody(body []byte, r Record) bool {
	if !r.decode(body) {
		return false
	}
	*r.Header() = Header{Type: r.Type(), BodyLen: uint32(len(body))}
	return true
}

// WriteRecord serializes r and writes the frame to w.
func WriteRecord(w io.Writer, p *pool.BytesPool, r Record) error {
	buf, n := Serialize(p, r)
	defer buf.Release()
	_, err := w.Write(buf.Bytes()[:n])
	return err
}

// ReadFrame reads exactly one frame from r into a pool buffer.
// The caller releases the returned buffer.
func ReadFrame(r io.Reader, p *pool.BytesPool) (*pool.Buffer, Header, error) {
	buf := p.Apply()
	b := buf.Bytes()
	if _, err := io.ReadFull(r, b[:HeaderSize]); err != nil {
		buf.Release()
		return nil, Header{}, err
	}
	h, _ := PeekHeader(b)
	if h.FrameLen() > len(b) {
		buf.Release()
		return nil, h, ErrFrameTooLarge
	}
	if _, err := io.ReadFull(r, b[HeaderSize:h.FrameLen()]); err != nil {
		buf.Release()
		return nil, h, err
	}
	return buf, h, nil
}

// ReadRecord reads one frame from r and decodes it into rec.
func ReadRecord(r io.Reader, p *pool.BytesPool, rec Record) error {
	buf, h, err := ReadFrame(r, p)
	if err != nil {
		return err
	}
	defer buf.Release()
	if h.Type != rec.Type() {
		return common.ErrUnexpectedType
	}
	if !Deserialize(buf.Bytes(), h.FrameLen(), rec) {
		return ErrMalformed
	}
	return nil
}
