package consensus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/journalkeeper/journalkeeper/internal/clusterconfig"
	"github.com/journalkeeper/journalkeeper/internal/consensus"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

func electLeader(t *testing.T, e *consensus.Engine, transport *fakeTransport, now *time.Time) raft.Term {
	*now = now.Add(100 * time.Millisecond)
	require.NoError(t, e.Tick())
	require.Equal(t, raft.RoleCandidate, e.Role())

	var voteReq raft.RequestVoteRequest
	transport.mu.Lock()
	for _, s := range transport.sent {
		if req, ok := s.req.(raft.RequestVoteRequest); ok {
			voteReq = req
		}
	}
	transport.mu.Unlock()
	require.NoError(t, e.HandleRequestVoteReply(2, voteReq, raft.RequestVoteReply{
		Term: voteReq.Term, VoteGranted: true,
	}))
	require.Equal(t, raft.RoleLeader, e.Role())
	return voteReq.Term
}

func lastAppendEntriesTo(transport *fakeTransport, to raft.ServerID) raft.AppendEntriesRequest {
	reqs := transport.appendEntriesSentTo(to)
	return reqs[len(reqs)-1]
}

func TestEngine_ReplicationAdvancesCommitIndexOnQuorum(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, transport, _ := newTestEngineWithClock(t, 1, threeServerCluster(t, 1), &now)
	electLeader(t, e, transport, &now)

	index, term, err := e.Propose(raft.UpdateRequest{Payload: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, raft.Index(1), index)

	sentToTwo := lastAppendEntriesTo(transport, 2)
	require.Len(t, sentToTwo.Entries, 1)

	require.NoError(t, e.HandleAppendEntriesReply(2, sentToTwo, raft.AppendEntriesReply{
		Term: term, Success: true,
	}))
	require.Equal(t, raft.Index(1), e.CommitIndex())
}

func TestEngine_ReplicationRejectionJumpsNextIndexByConflictTerm(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, transport, store := newTestEngineWithClock(t, 1, threeServerCluster(t, 1), &now)
	electLeader(t, e, transport, &now)

	_, term, err := e.Propose(raft.UpdateRequest{Payload: []byte("a")})
	require.NoError(t, err)
	firstSend := lastAppendEntriesTo(transport, 2)
	require.Equal(t, raft.Index(0), firstSend.PrevLogIndex)
	require.NoError(t, e.HandleAppendEntriesReply(2, firstSend, raft.AppendEntriesReply{
		Term: term, Success: true,
	}))

	_, _, err = e.Propose(raft.UpdateRequest{Payload: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, raft.Index(2), store.LastIndex())

	secondSend := lastAppendEntriesTo(transport, 2)
	require.Equal(t, raft.Index(1), secondSend.PrevLogIndex) // nextIndex advanced to 2 after the ack

	// Peer 2 has since lost its data (a restart with no durable state):
	// ConflictTerm 0 means "jump straight to my log length" rather than
	// decrementing nextIndex one entry at a time back down to 1.
	require.NoError(t, e.HandleAppendEntriesReply(2, secondSend, raft.AppendEntriesReply{
		Term: term, Success: false, ConflictTerm: 0, ConflictIndex: 1,
	}))

	retry := lastAppendEntriesTo(transport, 2)
	require.Equal(t, raft.Index(0), retry.PrevLogIndex)
	require.Len(t, retry.Entries, 2)
}

func TestEngine_ReplicationRejectionFallsBackToFollowerConflictIndexWhenTermUnknown(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, transport, _ := newTestEngineWithClock(t, 1, threeServerCluster(t, 1), &now)
	electLeader(t, e, transport, &now)

	_, term, err := e.Propose(raft.UpdateRequest{Payload: []byte("a")})
	require.NoError(t, err)

	sentToTwo := lastAppendEntriesTo(transport, 2)
	// Peer 2 claims a conflicting entry from a term the leader has never
	// had in its log: the leader cannot find that term locally, so it
	// must fall back to the follower's reported ConflictIndex.
	require.NoError(t, e.HandleAppendEntriesReply(2, sentToTwo, raft.AppendEntriesReply{
		Term: term, Success: false, ConflictTerm: 99, ConflictIndex: 1,
	}))

	retry := lastAppendEntriesTo(transport, 2)
	require.Equal(t, raft.Index(0), retry.PrevLogIndex) // nextIndex jumped to 1, prev = 0
}

func TestEngine_AppendEntriesConflictingTermOnFollowerReportsOwnConflictTerm(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, _, store := newTestEngineWithClock(t, 2, threeServerCluster(t, 2), &now)

	_, err := store.Append(raft.LogEntry{Term: 1, Payload: []byte("stale")})
	require.NoError(t, err)

	reply, err := e.HandleAppendEntries(1, raft.AppendEntriesRequest{
		Term: 5, LeaderID: 1, PrevLogIndex: 1, PrevLogTerm: 2,
	})
	require.NoError(t, err)
	require.False(t, reply.Success)
	require.Equal(t, raft.Term(1), reply.ConflictTerm)
	require.Equal(t, raft.Index(1), reply.ConflictIndex)
}

func observerCluster(t *testing.T, thisID raft.ServerID) *clusterconfig.ClusterInfo {
	cfg := raft.ClusterConfig{
		New:       &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3}},
		Observers: []raft.ServerID{thisID},
	}
	ci, err := clusterconfig.NewClusterInfo(cfg, thisID)
	require.NoError(t, err)
	return ci
}

func TestEngine_ObserverAcceptsAppendEntriesWithoutChangingRole(t *testing.T) {
	e, _, store := newTestEngine(t, 4, observerCluster(t, 4))
	require.Equal(t, raft.RoleObserver, e.Role())

	reply, err := e.HandleAppendEntries(1, raft.AppendEntriesRequest{
		Term:     3,
		LeaderID: 1,
		Entries: []raft.LogEntry{
			{Term: 3, Payload: []byte("a")},
		},
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.Equal(t, raft.Index(1), store.LastIndex())
	require.Equal(t, raft.Index(1), e.CommitIndex())
	require.Equal(t, raft.Term(3), e.CurrentTerm())
	require.Equal(t, raft.RoleObserver, e.Role()) // still an observer, never promoted to Follower
}

func TestEngine_ObserverNeverGrantsAVote(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, observerCluster(t, 4))

	reply, err := e.HandleRequestVote(1, raft.RequestVoteRequest{
		Term: 5, CandidateID: 1,
	})
	require.NoError(t, err)
	require.False(t, reply.VoteGranted)
	require.Equal(t, raft.RoleObserver, e.Role())
}

func TestEngine_LeaderReplicatesToObservers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cluster := threeServerCluster(t, 1)
	cluster.SetConfig(raft.ClusterConfig{
		New:       cluster.Config().New,
		Observers: []raft.ServerID{4},
	})
	e, transport, _ := newTestEngineWithClock(t, 1, cluster, &now)
	electLeader(t, e, transport, &now)

	_, _, err := e.Propose(raft.UpdateRequest{Payload: []byte("x")})
	require.NoError(t, err)

	sentToObserver := lastAppendEntriesTo(transport, 4)
	require.Len(t, sentToObserver.Entries, 1)
}

func TestEngine_AppendEntriesRefusesToRewindPastCommitIndex(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, _, store := newTestEngineWithClock(t, 2, threeServerCluster(t, 2), &now)

	// Establish a committed entry at index 1.
	_, err := e.HandleAppendEntries(1, raft.AppendEntriesRequest{
		Term:         1,
		LeaderID:     1,
		Entries:      []raft.LogEntry{{Term: 1, Payload: []byte("committed")}},
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	require.Equal(t, raft.Index(1), e.CommitIndex())

	// A reordered/duplicate AppendEntries with a PrevLogIndex below the
	// committed index must never be allowed to rewrite history.
	_, err = e.HandleAppendEntries(1, raft.AppendEntriesRequest{
		Term:         1,
		LeaderID:     1,
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []raft.LogEntry{{Term: 1, Payload: []byte("replayed")}},
	})
	require.Error(t, err)
	require.Equal(t, raft.Index(1), store.LastIndex())
	entry, err := store.ReadAt(1)
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), entry.Payload) // untouched
}
