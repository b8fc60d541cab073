package codec

import (
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// EncodeLogEntry appends the fixed-width encoding of a single LogEntry
// to w. Exported so the journal's segmented file store can frame
// entries on disk with the same primitives AppendEntries uses on the
// wire.
func EncodeLogEntry(w *Writer, e raft.LogEntry) { putLogEntry(w, e) }

// DecodeLogEntry reads a single LogEntry off r.
func DecodeLogEntry(r *Reader) (raft.LogEntry, error) { return getLogEntry(r) }

func putLogEntry(w *Writer, e raft.LogEntry) {
	w.PutUint64(uint64(e.Term))
	w.PutUint64(uint64(e.Index))
	w.PutUint16(uint16(e.Partition))
	w.PutUint32(e.BatchSize)
	w.PutInt64(e.Timestamp.UnixMilli())
	w.PutOptionalBytes(e.Header)
	w.PutBytes(e.Payload)
}

func getLogEntry(r *Reader) (raft.LogEntry, error) {
	var e raft.LogEntry
	term, err := r.GetUint64()
	if err != nil {
		return e, err
	}
	e.Term = raft.Term(term)
	index, err := r.GetUint64()
	if err != nil {
		return e, err
	}
	e.Index = raft.Index(index)
	partition, err := r.GetUint16()
	if err != nil {
		return e, err
	}
	e.Partition = raft.Partition(partition)
	if e.BatchSize, err = r.GetUint32(); err != nil {
		return e, err
	}
	millis, err := r.GetInt64()
	if err != nil {
		return e, err
	}
	e.Timestamp = unixMilliToTime(millis)
	if e.Header, err = r.GetOptionalBytes(); err != nil {
		return e, err
	}
	if e.Payload, err = r.GetBytes(); err != nil {
		return e, err
	}
	return e, nil
}

func putVoterSet(w *Writer, vs *raft.VoterSet) {
	if vs == nil {
		w.PutUint32(0)
		return
	}
	w.PutUint32(uint32(len(vs.Voters)))
	for _, id := range vs.Voters {
		w.PutUint64(uint64(id))
	}
}

func getVoterSet(r *Reader) (*raft.VoterSet, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	vs := &raft.VoterSet{Voters: make([]raft.ServerID, n)}
	for i := range vs.Voters {
		id, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		vs.Voters[i] = raft.ServerID(id)
	}
	return vs, nil
}

// EncodeClusterConfig encodes a cluster configuration for embedding as a
// membership-change entry's Header, reusing the same voter-set framing
// QueryClusterStateReply uses on the wire.
func EncodeClusterConfig(cc raft.ClusterConfig) []byte {
	w := NewWriter()
	putVoterSet(w, cc.Old)
	putVoterSet(w, cc.New)
	w.PutUint32(uint32(len(cc.Observers)))
	for _, id := range cc.Observers {
		w.PutUint64(uint64(id))
	}
	return w.Bytes()
}

// DecodeClusterConfig is the inverse of EncodeClusterConfig.
func DecodeClusterConfig(payload []byte) (raft.ClusterConfig, error) {
	r := NewReader(payload)
	var cc raft.ClusterConfig
	var err error
	if cc.Old, err = getVoterSet(r); err != nil {
		return cc, err
	}
	if cc.New, err = getVoterSet(r); err != nil {
		return cc, err
	}
	n, err := r.GetUint32()
	if err != nil {
		return cc, err
	}
	cc.Observers = make([]raft.ServerID, n)
	for i := range cc.Observers {
		id, err := r.GetUint64()
		if err != nil {
			return cc, err
		}
		cc.Observers[i] = raft.ServerID(id)
	}
	return cc, r.Done()
}

// EncodeBatch frames a transaction's accumulated payloads as a single
// entry payload: a count followed by each payload length-prefixed. This
// is what a transaction commit proposes as one LogEntry, with
// LogEntry.BatchSize set to len(payloads) — atomic because it is a
// single log entry, not because of anything this encoding does.
func EncodeBatch(payloads [][]byte) []byte {
	w := NewWriter()
	w.PutUint32(uint32(len(payloads)))
	for _, p := range payloads {
		w.PutBytes(p)
	}
	return w.Bytes()
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(payload []byte) ([][]byte, error) {
	r := NewReader(payload)
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, n)
	for i := range out {
		if out[i], err = r.GetBytes(); err != nil {
			return nil, err
		}
	}
	return out, r.Done()
}

// EncodeRequestVoteRequest implements the symmetric codec for
// RequestVoteRequest, grounded on the same fixed-width discipline as
// DisableLeaderWriteRequestCodec.java.
func EncodeRequestVoteRequest(req raft.RequestVoteRequest) []byte {
	w := NewWriter()
	w.PutUint64(uint64(req.Term))
	w.PutUint64(uint64(req.CandidateID))
	w.PutUint64(uint64(req.LastLogIndex))
	w.PutUint64(uint64(req.LastLogTerm))
	return w.Bytes()
}

func DecodeRequestVoteRequest(payload []byte) (raft.RequestVoteRequest, error) {
	r := NewReader(payload)
	var req raft.RequestVoteRequest
	term, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.Term = raft.Term(term)
	cand, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.CandidateID = raft.ServerID(cand)
	idx, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.LastLogIndex = raft.Index(idx)
	lt, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.LastLogTerm = raft.Term(lt)
	return req, r.Done()
}

func EncodeRequestVoteReply(rep raft.RequestVoteReply) []byte {
	w := NewWriter()
	w.PutUint64(uint64(rep.Term))
	w.PutBool(rep.VoteGranted)
	return w.Bytes()
}

func DecodeRequestVoteReply(payload []byte) (raft.RequestVoteReply, error) {
	r := NewReader(payload)
	var rep raft.RequestVoteReply
	term, err := r.GetUint64()
	if err != nil {
		return rep, err
	}
	rep.Term = raft.Term(term)
	if rep.VoteGranted, err = r.GetBool(); err != nil {
		return rep, err
	}
	return rep, r.Done()
}

func EncodeAppendEntriesRequest(req raft.AppendEntriesRequest) []byte {
	w := NewWriter()
	w.PutUint64(uint64(req.Term))
	w.PutUint64(uint64(req.LeaderID))
	w.PutUint64(uint64(req.PrevLogIndex))
	w.PutUint64(uint64(req.PrevLogTerm))
	w.PutUint32(uint32(len(req.Entries)))
	for _, e := range req.Entries {
		putLogEntry(w, e)
	}
	w.PutUint64(uint64(req.LeaderCommit))
	return w.Bytes()
}

func DecodeAppendEntriesRequest(payload []byte) (raft.AppendEntriesRequest, error) {
	r := NewReader(payload)
	var req raft.AppendEntriesRequest
	term, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.Term = raft.Term(term)
	leader, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.LeaderID = raft.ServerID(leader)
	prevIdx, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.PrevLogIndex = raft.Index(prevIdx)
	prevTerm, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.PrevLogTerm = raft.Term(prevTerm)
	n, err := r.GetUint32()
	if err != nil {
		return req, err
	}
	req.Entries = make([]raft.LogEntry, n)
	for i := range req.Entries {
		if req.Entries[i], err = getLogEntry(r); err != nil {
			return req, err
		}
	}
	commit, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.LeaderCommit = raft.Index(commit)
	return req, r.Done()
}

func EncodeAppendEntriesReply(rep raft.AppendEntriesReply) []byte {
	w := NewWriter()
	w.PutUint64(uint64(rep.Term))
	w.PutBool(rep.Success)
	w.PutUint64(uint64(rep.ConflictTerm))
	w.PutUint64(uint64(rep.ConflictIndex))
	return w.Bytes()
}

func DecodeAppendEntriesReply(payload []byte) (raft.AppendEntriesReply, error) {
	r := NewReader(payload)
	var rep raft.AppendEntriesReply
	term, err := r.GetUint64()
	if err != nil {
		return rep, err
	}
	rep.Term = raft.Term(term)
	if rep.Success, err = r.GetBool(); err != nil {
		return rep, err
	}
	ct, err := r.GetUint64()
	if err != nil {
		return rep, err
	}
	rep.ConflictTerm = raft.Term(ct)
	ci, err := r.GetUint64()
	if err != nil {
		return rep, err
	}
	rep.ConflictIndex = raft.Index(ci)
	return rep, r.Done()
}

func EncodeInstallSnapshotRequest(req raft.InstallSnapshotRequest) []byte {
	w := NewWriter()
	w.PutUint64(uint64(req.Term))
	w.PutUint64(uint64(req.LeaderID))
	w.PutUint64(uint64(req.LastIncludedIndex))
	w.PutUint64(uint64(req.LastIncludedTerm))
	w.PutUint64(req.Offset)
	w.PutBytes(req.Data)
	w.PutBool(req.Done)
	return w.Bytes()
}

func DecodeInstallSnapshotRequest(payload []byte) (raft.InstallSnapshotRequest, error) {
	r := NewReader(payload)
	var req raft.InstallSnapshotRequest
	term, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.Term = raft.Term(term)
	leader, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.LeaderID = raft.ServerID(leader)
	lastIdx, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.LastIncludedIndex = raft.Index(lastIdx)
	lastTerm, err := r.GetUint64()
	if err != nil {
		return req, err
	}
	req.LastIncludedTerm = raft.Term(lastTerm)
	if req.Offset, err = r.GetUint64(); err != nil {
		return req, err
	}
	if req.Data, err = r.GetBytes(); err != nil {
		return req, err
	}
	if req.Done, err = r.GetBool(); err != nil {
		return req, err
	}
	return req, r.Done()
}

func EncodeInstallSnapshotReply(rep raft.InstallSnapshotReply) []byte {
	w := NewWriter()
	w.PutUint64(uint64(rep.Term))
	return w.Bytes()
}

func DecodeInstallSnapshotReply(payload []byte) (raft.InstallSnapshotReply, error) {
	r := NewReader(payload)
	var rep raft.InstallSnapshotReply
	term, err := r.GetUint64()
	if err != nil {
		return rep, err
	}
	rep.Term = raft.Term(term)
	return rep, r.Done()
}

// EncodeDisableLeaderWriteRequest is byte-for-byte grounded on
// DisableLeaderWriteRequestCodec.encodePayload: an int64 timeoutMs
// followed by an int32 term, no length prefixes.
func EncodeDisableLeaderWriteRequest(req raft.DisableLeaderWriteRequest) []byte {
	w := NewWriter()
	w.PutInt64(req.TimeoutMs)
	w.PutInt32(req.Term)
	return w.Bytes()
}

func DecodeDisableLeaderWriteRequest(payload []byte) (raft.DisableLeaderWriteRequest, error) {
	r := NewReader(payload)
	var req raft.DisableLeaderWriteRequest
	var err error
	if req.TimeoutMs, err = r.GetInt64(); err != nil {
		return req, err
	}
	if req.Term, err = r.GetInt32(); err != nil {
		return req, err
	}
	return req, r.Done()
}

func EncodeDisableLeaderWriteReply(rep raft.DisableLeaderWriteReply) []byte {
	w := NewWriter()
	w.PutBool(rep.Success)
	return w.Bytes()
}

func DecodeDisableLeaderWriteReply(payload []byte) (raft.DisableLeaderWriteReply, error) {
	r := NewReader(payload)
	var rep raft.DisableLeaderWriteReply
	var err error
	if rep.Success, err = r.GetBool(); err != nil {
		return rep, err
	}
	return rep, r.Done()
}

func EncodeUpdateClusterStateRequest(req raft.UpdateClusterStateRequest) []byte {
	w := NewWriter()
	putVoterSet(w, req.Old)
	putVoterSet(w, req.New)
	return w.Bytes()
}

func DecodeUpdateClusterStateRequest(payload []byte) (raft.UpdateClusterStateRequest, error) {
	r := NewReader(payload)
	var req raft.UpdateClusterStateRequest
	var err error
	if req.Old, err = getVoterSet(r); err != nil {
		return req, err
	}
	if req.New, err = getVoterSet(r); err != nil {
		return req, err
	}
	return req, r.Done()
}

func EncodeUpdateClusterStateReply(rep raft.UpdateClusterStateReply) []byte {
	w := NewWriter()
	w.PutBool(rep.Success)
	return w.Bytes()
}

func DecodeUpdateClusterStateReply(payload []byte) (raft.UpdateClusterStateReply, error) {
	r := NewReader(payload)
	var rep raft.UpdateClusterStateReply
	var err error
	if rep.Success, err = r.GetBool(); err != nil {
		return rep, err
	}
	return rep, r.Done()
}

func EncodeQueryClusterStateRequest(raft.QueryClusterStateRequest) []byte {
	return nil
}

func DecodeQueryClusterStateRequest(payload []byte) (raft.QueryClusterStateRequest, error) {
	if len(payload) != 0 {
		return raft.QueryClusterStateRequest{}, raft.NewErrMalformedFrame("trailing bytes after payload")
	}
	return raft.QueryClusterStateRequest{}, nil
}

func EncodeQueryClusterStateReply(rep raft.QueryClusterStateReply) []byte {
	w := NewWriter()
	putVoterSet(w, rep.Config.Old)
	putVoterSet(w, rep.Config.New)
	w.PutUint32(uint32(len(rep.Config.Observers)))
	for _, id := range rep.Config.Observers {
		w.PutUint64(uint64(id))
	}
	return w.Bytes()
}

func DecodeQueryClusterStateReply(payload []byte) (raft.QueryClusterStateReply, error) {
	r := NewReader(payload)
	var rep raft.QueryClusterStateReply
	var err error
	if rep.Config.Old, err = getVoterSet(r); err != nil {
		return rep, err
	}
	if rep.Config.New, err = getVoterSet(r); err != nil {
		return rep, err
	}
	n, err := r.GetUint32()
	if err != nil {
		return rep, err
	}
	rep.Config.Observers = make([]raft.ServerID, n)
	for i := range rep.Config.Observers {
		id, err := r.GetUint64()
		if err != nil {
			return rep, err
		}
		rep.Config.Observers[i] = raft.ServerID(id)
	}
	return rep, r.Done()
}
