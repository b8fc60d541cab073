// Package raftstate persists the VoterRecord — currentTerm, votedFor,
// and lastKnownLeader — the three pieces of state that must survive a
// restart and be durable before any outbound vote or append reply, per
// the "write before reply" discipline.
package raftstate

import "github.com/journalkeeper/journalkeeper/pkg/raft"

// Record is the VoterRecord: per-server-lifetime state that must be
// persisted before any outbound vote or AppendEntries reply that depends
// on it.
type Record interface {
	CurrentTerm() raft.Term
	VotedFor() raft.ServerID
	LastKnownLeader() raft.ServerID

	// SetCurrentTermAndVotedFor persists term and votedFor together,
	// atomically with respect to any observer of this Record. Passing
	// votedFor=0 clears the vote (the term-advance case, where the new
	// term has not yet been voted in).
	SetCurrentTermAndVotedFor(term raft.Term, votedFor raft.ServerID) error

	// SetLastKnownLeader persists the last leader this server observed,
	// used as the NotLeader hint.
	SetLastKnownLeader(leader raft.ServerID) error
}
