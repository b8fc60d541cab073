package consensus

import (
	"fmt"

	"github.com/journalkeeper/journalkeeper/internal/clusterconfig"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// voteTracker accumulates RequestVote replies for one election.
// Grounded on candidate.CandidateVolatileState, generalized to
// clusterconfig.ClusterInfo's joint-consensus-aware quorum check (a
// membership change in flight during an election needs a majority in
// both the old and new voter sets).
type voteTracker struct {
	cluster *clusterconfig.ClusterInfo
	granted map[raft.ServerID]bool
}

func newVoteTracker(cluster *clusterconfig.ClusterInfo) *voteTracker {
	return &voteTracker{cluster: cluster, granted: make(map[raft.ServerID]bool)}
}

// addVoteFrom records a vote and reports whether a quorum has now been
// reached. Once reached it stays reached even if called again.
func (v *voteTracker) addVoteFrom(from raft.ServerID, granted bool) bool {
	if granted {
		v.granted[from] = true
	}
	return v.cluster.HasQuorum(func(id raft.ServerID) bool { return v.granted[id] })
}

// HandleRequestVote processes an incoming RequestVoteRequest. Grounded
// on Rpc_RpcRequestVote: reject a stale term, adopt a newer one and
// fall back to follower first, then grant the vote only if unvoted (or
// already voted for this candidate this term) and the candidate's log
// is at least as up to date.
func (e *Engine) HandleRequestVote(from raft.ServerID, req raft.RequestVoteRequest) (raft.RequestVoteReply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if from == e.cluster.ThisServerID() {
		return raft.RequestVoteReply{}, fmt.Errorf("consensus: FATAL: RequestVote from self")
	}

	reply := func(granted bool) raft.RequestVoteReply {
		return raft.RequestVoteReply{Term: e.record.CurrentTerm(), VoteGranted: granted}
	}

	if e.role == raft.RoleObserver {
		// An observer is a non-voting replica: it never grants a vote
		// and never persists a votedFor, and it must never change role
		// via becomeFollowerWithTermLocked (setRole forbids that for an
		// Observer), so it returns here before any state mutation.
		return reply(false), nil
	}

	currentTerm := e.record.CurrentTerm()
	if req.Term < currentTerm {
		return reply(false), nil
	}
	if req.Term > currentTerm {
		if err := e.becomeFollowerWithTermLocked(req.Term); err != nil {
			return raft.RequestVoteReply{}, err
		}
		currentTerm = req.Term
	}

	lastIndex, lastTerm, err := lastLogIndexAndTerm(e.store)
	if err != nil {
		return raft.RequestVoteReply{}, err
	}
	candidateUpToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	votedFor := e.record.VotedFor()
	if (votedFor == 0 || votedFor == from) && candidateUpToDate {
		if votedFor == 0 {
			if err := e.record.SetCurrentTermAndVotedFor(currentTerm, from); err != nil {
				return raft.RequestVoteReply{}, err
			}
		}
		e.electionTimer.Restart()
		return reply(true), nil
	}
	return reply(false), nil
}

// HandleRequestVoteReply processes the reply to a RequestVoteRequest
// this server sent while a Candidate. Grounded on
// RpcReply_RpcRequestVoteReply.
func (e *Engine) HandleRequestVoteReply(from raft.ServerID, req raft.RequestVoteRequest, reply raft.RequestVoteReply) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	currentTerm := e.record.CurrentTerm()
	if req.Term != currentTerm {
		// Reply to a stale-term request; the election it belonged to is
		// already over.
		return nil
	}
	if reply.Term > currentTerm {
		return e.becomeFollowerWithTermLocked(reply.Term)
	}

	if e.role != raft.RoleCandidate {
		return nil
	}
	if e.votes.addVoteFrom(from, reply.VoteGranted) {
		e.logger.Println("[raft] quorum reached - won election")
		return e.becomeLeaderLocked()
	}
	return nil
}
