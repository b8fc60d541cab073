package raft

// RequestVoteRequest is sent by a candidate to canvass votes.
//
// See "Election" in the Raft Server Core design: a voter grants at most
// one vote per term, and only if the candidate's log is at least as
// up-to-date (comparing LastLogTerm, then LastLogIndex).
type RequestVoteRequest struct {
	Term         Term
	CandidateID  ServerID
	LastLogIndex Index
	LastLogTerm  Term
}

// RequestVoteReply is the response to a RequestVoteRequest.
type RequestVoteReply struct {
	Term        Term
	VoteGranted bool
}

// AppendEntriesRequest replicates log entries (or, with Entries empty,
// serves as a heartbeat).
type AppendEntriesRequest struct {
	Term         Term
	LeaderID     ServerID
	PrevLogIndex Index
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit Index
}

// AppendEntriesReply is the response to an AppendEntriesRequest.
//
// ConflictTerm/ConflictIndex are set on a rejection to let the leader
// apply the term-jump nextIndex optimization instead of decrementing one
// index at a time.
type AppendEntriesReply struct {
	Term          Term
	Success       bool
	ConflictTerm  Term
	ConflictIndex Index
}

// InstallSnapshotRequest streams one chunk of a snapshot to a follower
// whose nextIndex precedes the leader's first retained log index.
type InstallSnapshotRequest struct {
	Term              Term
	LeaderID          ServerID
	LastIncludedIndex Index
	LastIncludedTerm  Term
	Offset            uint64
	Data              []byte
	Done              bool
}

// InstallSnapshotReply is the response to an InstallSnapshotRequest.
type InstallSnapshotReply struct {
	Term Term
}

// DisableLeaderWriteRequest halts new proposal acceptance at the current
// leader for TimeoutMs milliseconds, so that clients re-route to a new
// leader during planned maintenance.
type DisableLeaderWriteRequest struct {
	TimeoutMs int64
	Term      int32
}

// DisableLeaderWriteReply is the response to a DisableLeaderWriteRequest.
type DisableLeaderWriteReply struct {
	Success bool
}

// UpdateClusterStateRequest proposes a membership change.
type UpdateClusterStateRequest struct {
	Old *VoterSet
	New *VoterSet
}

// UpdateClusterStateReply is the response to an UpdateClusterStateRequest.
type UpdateClusterStateReply struct {
	Success bool
}

// QueryClusterStateRequest asks a server for its current configuration.
type QueryClusterStateRequest struct{}

// QueryClusterStateReply reports a server's current configuration.
type QueryClusterStateReply struct {
	Config ClusterConfig
}
