// Package codec implements the wire codec: bit-exact, length-delimited
// framing of typed request/response payloads.
//
// Every integral field is fixed-width big-endian; strings and byte blobs
// are length-prefixed; optional fields are a one-byte presence flag
// followed by the value when present. This file provides the primitive
// encode/decode pairs every per-message codec is built from, grounded on
// DisableLeaderWriteRequestCodec.java's CodecSupport.encodeLong/encodeInt
// pairing.
package codec

import (
	"encoding/binary"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// Writer accumulates an encoded payload.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated encoded payload.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutUint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}
func (w *Writer) PutUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}
func (w *Writer) PutUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}
func (w *Writer) PutUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}
func (w *Writer) PutInt32(v int32)   { w.PutUint32(uint32(v)) }
func (w *Writer) PutInt64(v int64)   { w.PutUint64(uint64(v)) }

// PutBytes writes a uint32 length prefix followed by b.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutString writes a uint32-length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) { w.PutBytes([]byte(s)) }

// PutOptionalBytes writes a one-byte presence flag followed by the value
// (length-prefixed) when present.
func (w *Writer) PutOptionalBytes(b []byte) {
	if b == nil {
		w.PutBool(false)
		return
	}
	w.PutBool(true)
	w.PutBytes(b)
}

// Reader consumes an encoded payload, returning ErrMalformedFrame on any
// short read. It never panics on malformed input.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for reading.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return raft.NewErrMalformedFrame("short read")
	}
	return nil
}

func (r *Reader) GetUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) GetBool() (bool, error) {
	v, err := r.GetUint8()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, raft.NewErrMalformedFrame("invalid bool byte")
	}
	return v == 1, nil
}

func (r *Reader) GetUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) GetUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) GetUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) GetInt32() (int32, error) {
	v, err := r.GetUint32()
	return int32(v), err
}

func (r *Reader) GetInt64() (int64, error) {
	v, err := r.GetUint64()
	return int64(v), err
}

func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return v, nil
}

func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) GetOptionalBytes() ([]byte, error) {
	present, err := r.GetBool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return r.GetBytes()
}

// Done returns ErrMalformedFrame if any bytes remain unconsumed — a
// decoder must never tolerate trailing slack.
func (r *Reader) Done() error {
	if r.Remaining() != 0 {
		return raft.NewErrMalformedFrame("trailing bytes after payload")
	}
	return nil
}
