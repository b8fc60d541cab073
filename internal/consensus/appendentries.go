package consensus

import (
	"fmt"

	"github.com/journalkeeper/journalkeeper/internal/events"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// followerProgress is this leader's view of one peer's replication
// state. Grounded on leader.LeaderVolatileState's NextIndex/MatchIndex
// maps; kept as a per-peer struct (matching the shape of
// leader/fm.go's later per-peer FollowerManager) since the engine
// already guards access with its own mutex and does not need a
// separate per-peer lock.
type followerProgress struct {
	nextIndex  raft.Index
	matchIndex raft.Index
}

// HandleAppendEntries processes an incoming AppendEntriesRequest.
// Grounded on Rpc_RpcAppendEntries, extended to fill ConflictTerm and
// ConflictIndex on rejection so the leader can jump nextIndex instead
// of decrementing it one entry at a time.
func (e *Engine) HandleAppendEntries(from raft.ServerID, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if from == e.cluster.ThisServerID() {
		return raft.AppendEntriesReply{}, fmt.Errorf("consensus: FATAL: AppendEntries from self")
	}

	reply := func(success bool) raft.AppendEntriesReply {
		return raft.AppendEntriesReply{Term: e.record.CurrentTerm(), Success: success}
	}

	currentTerm := e.record.CurrentTerm()
	if req.Term < currentTerm {
		return reply(false), nil
	}
	if e.role == raft.RoleLeader && req.Term == currentTerm {
		return raft.AppendEntriesReply{}, wrapFatal(fmt.Errorf(
			"two leaders in term %v: got AppendEntries from %v", currentTerm, from))
	}

	if e.role == raft.RoleObserver {
		if err := e.adoptNewerTermAsObserverLocked(req.Term); err != nil {
			return raft.AppendEntriesReply{}, err
		}
	} else {
		e.electionTimer.Restart()
		if err := e.becomeFollowerWithTermLocked(req.Term); err != nil {
			return raft.AppendEntriesReply{}, err
		}
	}
	if e.record.LastKnownLeader() != req.LeaderID {
		if err := e.record.SetLastKnownLeader(req.LeaderID); err != nil {
			return raft.AppendEntriesReply{}, err
		}
		e.emit(events.Event{Type: events.LeaderChanged, Leader: uint64(req.LeaderID), Term: uint64(req.Term)})
	}

	last := e.store.LastIndex()
	if last < req.PrevLogIndex {
		r := reply(false)
		r.ConflictIndex = last + 1
		return r, nil
	}
	if req.PrevLogIndex > 0 {
		if req.PrevLogIndex < e.store.FirstIndex() {
			r := reply(false)
			r.ConflictIndex = e.store.FirstIndex()
			return r, nil
		}
		prevTerm, err := e.store.TermAt(req.PrevLogIndex)
		if err != nil {
			return raft.AppendEntriesReply{}, err
		}
		if prevTerm != req.PrevLogTerm {
			r := reply(false)
			r.ConflictTerm = prevTerm
			idx, err := firstIndexOfTerm(e.store, prevTerm, req.PrevLogIndex)
			if err != nil {
				return raft.AppendEntriesReply{}, err
			}
			r.ConflictIndex = idx
			return r, nil
		}
	}

	if err := e.refuseToRewindPastCommitLocked(req.PrevLogIndex, len(req.Entries)); err != nil {
		return raft.AppendEntriesReply{}, err
	}
	if err := e.store.AppendAfter(req.PrevLogIndex, req.Entries); err != nil {
		return raft.AppendEntriesReply{}, raft.NewErrStorageFault(err)
	}
	e.adoptAnyConfigChangeEntriesLocked(req.Entries)

	if req.LeaderCommit > e.commitIndex.UnsafeGet() {
		indexOfLastNewEntry := e.store.LastIndex()
		target := req.LeaderCommit
		if indexOfLastNewEntry < target {
			target = indexOfLastNewEntry
		}
		if err := e.setCommitIndexLocked(target); err != nil {
			return raft.AppendEntriesReply{}, err
		}
	}

	return reply(true), nil
}

// refuseToRewindPastCommitLocked mirrors the teacher's
// setEntriesAfterIndex guard: whatever a leader's AppendEntries claims,
// this server must never discard an entry at or before its own
// commitIndex, and it must never end up with a log shorter than
// commitIndex after applying the new entries. A reordered or duplicate
// request with a stale PrevLogIndex is the only way this can be
// reached, and it is a protocol violation rather than something to
// silently tolerate.
func (e *Engine) refuseToRewindPastCommitLocked(prevLogIndex raft.Index, numEntries int) error {
	commitIndex := e.commitIndex.UnsafeGet()
	if prevLogIndex < commitIndex {
		return wrapFatal(fmt.Errorf(
			"AppendEntries(prevLogIndex=%d, ...) but commitIndex=%d", prevLogIndex, commitIndex))
	}
	newLastIndex := prevLogIndex + raft.Index(numEntries)
	if newLastIndex < commitIndex {
		return wrapFatal(fmt.Errorf(
			"AppendEntries(prevLogIndex=%d, ...) would set lastIndex=%d < commitIndex=%d",
			prevLogIndex, newLastIndex, commitIndex))
	}
	return nil
}

// firstIndexOfTerm returns the lowest index <= upperBound whose entry
// has term. Terms are non-decreasing with index, so this is a simple
// backward scan stopping as soon as an earlier term is seen.
func firstIndexOfTerm(store interface {
	TermAt(raft.Index) (raft.Term, error)
	FirstIndex() raft.Index
}, term raft.Term, upperBound raft.Index) (raft.Index, error) {
	first := store.FirstIndex()
	idx := upperBound
	for idx > first {
		t, err := store.TermAt(idx - 1)
		if err != nil {
			return 0, err
		}
		if t != term {
			break
		}
		idx--
	}
	return idx, nil
}

// HandleAppendEntriesReply processes the reply to an AppendEntries this
// server sent while Leader. Grounded on
// RpcReply_RpcAppendEntriesReply, with the teacher's one-at-a-time
// DecrementNextIndex replaced by a term-jump using ConflictTerm and
// ConflictIndex.
func (e *Engine) HandleAppendEntriesReply(from raft.ServerID, req raft.AppendEntriesRequest, reply raft.AppendEntriesReply) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	currentTerm := e.record.CurrentTerm()
	if req.Term != currentTerm {
		return nil
	}
	if e.role != raft.RoleLeader {
		return wrapFatal(fmt.Errorf("non-leader got AppendEntriesReply from %v", from))
	}
	if reply.Term > currentTerm {
		return e.becomeFollowerWithTermLocked(reply.Term)
	}

	fp, isVoter := e.followers[from]
	if !isVoter {
		fp = e.observers[from]
	}
	if fp == nil {
		return nil // peer removed from cluster since this request was sent
	}
	expectedPrevLogIndex := fp.nextIndex - 1
	if req.PrevLogIndex != expectedPrevLogIndex {
		// Reply to a superseded request; a more recent one is already
		// in flight for this peer.
		return nil
	}

	if !reply.Success {
		fp.nextIndex = e.nextIndexAfterConflict(reply)
		return e.sendAppendEntriesToPeerLocked(from, fp, false)
	}

	newMatchIndex := req.PrevLogIndex + raft.Index(len(req.Entries))
	if newMatchIndex > fp.matchIndex {
		fp.matchIndex = newMatchIndex
	}
	if fp.nextIndex < newMatchIndex+1 {
		fp.nextIndex = newMatchIndex + 1
	}

	if !isVoter {
		// Observers never enter quorum/commit calculations.
		return nil
	}

	if err := e.advanceCommitIndexIfPossibleLocked(); err != nil {
		return err
	}
	return e.maybeCollapseJointConsensusLocked()
}

// nextIndexAfterConflict computes the leader's term-jump retry point
// from a rejected AppendEntries reply. If the follower had no entry at
// all at the rejected slot (ConflictTerm == 0), the leader jumps
// straight to the follower's reported log length. Otherwise the leader
// looks for the last entry of its own log at ConflictTerm: if it has
// one, it retries just after it (skipping the whole conflicting term in
// one round trip); if it does not, it falls back to the follower's
// ConflictIndex.
func (e *Engine) nextIndexAfterConflict(reply raft.AppendEntriesReply) raft.Index {
	if reply.ConflictTerm == 0 {
		if reply.ConflictIndex == 0 {
			return 1
		}
		return reply.ConflictIndex
	}
	if idx, ok := e.lastIndexOfTermAtMostLocked(reply.ConflictTerm); ok {
		return idx + 1
	}
	return reply.ConflictIndex
}

func (e *Engine) lastIndexOfTermAtMostLocked(term raft.Term) (raft.Index, bool) {
	last := e.store.LastIndex()
	first := e.store.FirstIndex()
	for idx := last; idx >= first && idx > 0; idx-- {
		t, err := e.store.TermAt(idx)
		if err != nil {
			return 0, false
		}
		if t == term {
			return idx, true
		}
		if t < term {
			return 0, false
		}
	}
	return 0, false
}

func (e *Engine) sendAppendEntriesToPeerLocked(id raft.ServerID, fp *followerProgress, forceEmpty bool) error {
	prevIndex := fp.nextIndex - 1
	var prevTerm raft.Term
	if prevIndex > 0 {
		t, err := e.store.TermAt(prevIndex)
		if err != nil {
			return err
		}
		prevTerm = t
	}
	var entries []raft.LogEntry
	last := e.store.LastIndex()
	if !forceEmpty && last >= fp.nextIndex {
		es, err := e.store.ReadRange(fp.nextIndex, last)
		if err != nil {
			return err
		}
		entries = es
	}
	req := raft.AppendEntriesRequest{
		Term:         e.record.CurrentTerm(),
		LeaderID:     e.cluster.ThisServerID(),
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: e.commitIndex.UnsafeGet(),
	}
	e.transport.SendAppendEntries(id, req)
	return nil
}

func (e *Engine) sendAppendEntriesToAllPeersLocked(forceEmpty bool) error {
	if err := e.cluster.ForEachVoterPeer(func(id raft.ServerID) error {
		fp, ok := e.followers[id]
		if !ok {
			return nil
		}
		return e.sendAppendEntriesToPeerLocked(id, fp, forceEmpty)
	}); err != nil {
		return err
	}
	return e.cluster.ForEachObserver(func(id raft.ServerID) error {
		fp, ok := e.observers[id]
		if !ok {
			return nil
		}
		return e.sendAppendEntriesToPeerLocked(id, fp, forceEmpty)
	})
}

// advanceCommitIndexIfPossibleLocked implements the commit rule: find
// the highest N such that a quorum of followers have matchIndex >= N
// and log[N].term is the leader's current term, per "a leader may only
// directly commit an entry from its own term". Grounded on
// LeaderVolatileState.FindNewerCommitIndex.
func (e *Engine) advanceCommitIndexIfPossibleLocked() error {
	if e.role != raft.RoleLeader {
		return nil
	}
	currentTerm := e.record.CurrentTerm()
	commitIndex := e.commitIndex.UnsafeGet()
	last := e.store.LastIndex()

	var quorumThreshold raft.Index
	for n := last; n > commitIndex; n-- {
		if e.cluster.HasQuorum(func(id raft.ServerID) bool {
			fp := e.followers[id]
			return fp != nil && fp.matchIndex >= n
		}) {
			quorumThreshold = n
			break
		}
	}
	if quorumThreshold == 0 {
		return nil
	}
	for n := quorumThreshold; n > commitIndex; n-- {
		term, err := e.store.TermAt(n)
		if err != nil {
			return err
		}
		if term == currentTerm {
			return e.setCommitIndexLocked(n)
		}
	}
	return nil
}
