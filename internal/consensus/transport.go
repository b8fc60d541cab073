package consensus

import "github.com/journalkeeper/journalkeeper/pkg/raft"

// Transport sends RPC requests to a peer asynchronously: a call returns
// immediately, and any reply arrives later via HandleRequestVoteReply or
// HandleAppendEntriesReply. The Engine has no handler for an
// InstallSnapshot reply. Grounded on
// the teacher's SendOnlyRpcRequestVoteAsync / IAppendEntriesSender
// split, generalized to one interface covering every peer RPC the
// engine initiates.
type Transport interface {
	SendRequestVote(to raft.ServerID, req raft.RequestVoteRequest)
	SendAppendEntries(to raft.ServerID, req raft.AppendEntriesRequest)
	SendInstallSnapshot(to raft.ServerID, req raft.InstallSnapshotRequest)
}
