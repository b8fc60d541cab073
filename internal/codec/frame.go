package codec

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// Type identifies the payload carried by a Frame.
type Type uint32

const (
	TypeRequestVoteRequest Type = iota + 1
	TypeRequestVoteReply
	TypeAppendEntriesRequest
	TypeAppendEntriesReply
	TypeInstallSnapshotRequest
	TypeInstallSnapshotReply
	TypeDisableLeaderWriteRequest
	TypeDisableLeaderWriteReply
	TypeUpdateClusterStateRequest
	TypeUpdateClusterStateReply
	TypeQueryClusterStateRequest
	TypeQueryClusterStateReply
)

// Version is the current wire format version. It occupies the first byte
// of every Header so a future incompatible revision can be rejected
// rather than misparsed.
const Version uint8 = 1

// Header precedes every payload on the wire: who sent it, who it is for,
// which request it correlates to, and which codec decodes the payload
// that follows.
type Header struct {
	Version       uint8
	Type          Type
	CorrelationID uuid.UUID
	Sender        raft.ServerID
	Receiver      raft.ServerID
}

const headerLen = 1 + 4 + 16 + 8 + 8

// EncodeHeader appends the fixed-width encoding of h to w.
func EncodeHeader(w *Writer, h Header) {
	w.PutUint8(h.Version)
	w.PutUint32(uint32(h.Type))
	w.buf = append(w.buf, h.CorrelationID[:]...)
	w.PutUint64(uint64(h.Sender))
	w.PutUint64(uint64(h.Receiver))
}

// DecodeHeader reads a Header off r.
func DecodeHeader(r *Reader) (Header, error) {
	var h Header
	var err error
	if h.Version, err = r.GetUint8(); err != nil {
		return Header{}, err
	}
	typ, err := r.GetUint32()
	if err != nil {
		return Header{}, err
	}
	h.Type = Type(typ)
	if err := r.need(16); err != nil {
		return Header{}, err
	}
	copy(h.CorrelationID[:], r.buf[r.pos:r.pos+16])
	r.pos += 16
	sender, err := r.GetUint64()
	if err != nil {
		return Header{}, err
	}
	h.Sender = raft.ServerID(sender)
	receiver, err := r.GetUint64()
	if err != nil {
		return Header{}, err
	}
	h.Receiver = raft.ServerID(receiver)
	return h, nil
}

// EncodeFrame produces a complete on-wire frame: a 4-byte big-endian
// length prefix covering the header and payload, followed by the header
// and payload themselves.
func EncodeFrame(h Header, payload []byte) []byte {
	w := NewWriter()
	EncodeHeader(w, h)
	body := w.Bytes()
	frame := make([]byte, 0, 4+len(body)+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)+len(payload)))
	frame = append(frame, body...)
	frame = append(frame, payload...)
	return frame
}

// DecodeFrame splits a complete frame (length prefix included) into its
// Header and payload. It returns ErrMalformedFrame if buf is short, the
// declared length disagrees with len(buf), or the header itself is
// malformed.
func DecodeFrame(buf []byte) (Header, []byte, error) {
	if len(buf) < 4 {
		return Header{}, nil, raft.NewErrMalformedFrame("short frame length prefix")
	}
	n := binary.BigEndian.Uint32(buf)
	rest := buf[4:]
	if uint32(len(rest)) != n {
		return Header{}, nil, raft.NewErrMalformedFrame("frame length mismatch")
	}
	if len(rest) < headerLen {
		return Header{}, nil, raft.NewErrMalformedFrame("short header")
	}
	r := NewReader(rest)
	h, err := DecodeHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	return h, rest[r.pos:], nil
}
