package consensus_test

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/journalkeeper/journalkeeper/internal/clusterconfig"
	"github.com/journalkeeper/journalkeeper/internal/consensus"
	"github.com/journalkeeper/journalkeeper/internal/events"
	"github.com/journalkeeper/journalkeeper/internal/journal"
	"github.com/journalkeeper/journalkeeper/internal/raftstate"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

type recordedSend struct {
	to  raft.ServerID
	req any
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []recordedSend
}

func (f *fakeTransport) SendRequestVote(to raft.ServerID, req raft.RequestVoteRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSend{to, req})
}

func (f *fakeTransport) SendAppendEntries(to raft.ServerID, req raft.AppendEntriesRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSend{to, req})
}

func (f *fakeTransport) SendInstallSnapshot(to raft.ServerID, req raft.InstallSnapshotRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSend{to, req})
}

func (f *fakeTransport) appendEntriesSentTo(to raft.ServerID) []raft.AppendEntriesRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []raft.AppendEntriesRequest
	for _, s := range f.sent {
		if s.to != to {
			continue
		}
		if req, ok := s.req.(raft.AppendEntriesRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func threeServerCluster(t *testing.T, thisID raft.ServerID) *clusterconfig.ClusterInfo {
	cfg := raft.ClusterConfig{New: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3}}}
	ci, err := clusterconfig.NewClusterInfo(cfg, thisID)
	require.NoError(t, err)
	return ci
}

func newTestEngine(t *testing.T, thisID raft.ServerID, cluster *clusterconfig.ClusterInfo) (*consensus.Engine, *fakeTransport, journal.Store) {
	store := journal.NewMemStore()
	transport := &fakeTransport{}
	now := time.Unix(1700000000, 0)
	e, err := consensus.NewEngine(
		raftstate.NewInMemoryRecord(), store, transport, cluster,
		50*time.Millisecond, func() time.Time { return now }, discardLogger(),
	)
	require.NoError(t, err)
	return e, transport, store
}

func TestEngine_SingleVoterClusterWinsElectionImmediately(t *testing.T) {
	cluster, err := clusterconfig.NewClusterInfo(
		raft.ClusterConfig{New: &raft.VoterSet{Voters: []raft.ServerID{1}}}, 1,
	)
	require.NoError(t, err)
	store := journal.NewMemStore()
	transport := &fakeTransport{}
	now := time.Unix(1700000000, 0)
	e, err := consensus.NewEngine(
		raftstate.NewInMemoryRecord(), store, transport, cluster,
		10*time.Millisecond, func() time.Time { return now }, discardLogger(),
	)
	require.NoError(t, err)

	now = now.Add(100 * time.Millisecond)
	require.NoError(t, e.Tick())
	require.Equal(t, raft.RoleLeader, e.Role())
}

func newTestEngineWithClock(t *testing.T, thisID raft.ServerID, cluster *clusterconfig.ClusterInfo, now *time.Time) (*consensus.Engine, *fakeTransport, journal.Store) {
	store := journal.NewMemStore()
	transport := &fakeTransport{}
	e, err := consensus.NewEngine(
		raftstate.NewInMemoryRecord(), store, transport, cluster,
		50*time.Millisecond, func() time.Time { return *now }, discardLogger(),
	)
	require.NoError(t, err)
	return e, transport, store
}

func TestEngine_ElectionTimeoutStartsCandidacyAndRequestsVotes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, transport, _ := newTestEngineWithClock(t, 1, threeServerCluster(t, 1), &now)

	require.NoError(t, e.Tick()) // not yet expired
	require.Equal(t, raft.RoleFollower, e.Role())

	now = now.Add(100 * time.Millisecond)
	require.NoError(t, e.Tick())
	require.Equal(t, raft.RoleCandidate, e.Role())

	toTwo := transport.appendEntriesSentTo(2)
	require.Empty(t, toTwo) // candidates send RequestVote, not AppendEntries
}

func TestEngine_BecomesLeaderOnQuorumVotes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cluster := threeServerCluster(t, 1)
	e, transport, _ := newTestEngineWithClock(t, 1, cluster, &now)
	electLeader(t, e, transport, &now)
}

func TestEngine_AppendEntriesRejectsStaleTerm(t *testing.T) {
	e, _, _ := newTestEngine(t, 1, threeServerCluster(t, 1))
	_, err := e.HandleAppendEntries(2, raft.AppendEntriesRequest{Term: 2, LeaderID: 2})
	require.NoError(t, err)
	require.Equal(t, raft.Term(2), e.CurrentTerm())

	reply, err := e.HandleAppendEntries(2, raft.AppendEntriesRequest{Term: 1, LeaderID: 2})
	require.NoError(t, err)
	require.False(t, reply.Success)
}

func TestEngine_AppendEntriesReplicatesAndAdoptsLeader(t *testing.T) {
	e, _, store := newTestEngine(t, 1, threeServerCluster(t, 1))

	reply, err := e.HandleAppendEntries(2, raft.AppendEntriesRequest{
		Term:     3,
		LeaderID: 2,
		Entries: []raft.LogEntry{
			{Term: 3, Payload: []byte("a")},
			{Term: 3, Payload: []byte("b")},
		},
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.Equal(t, raft.Term(3), reply.Term)
	require.Equal(t, raft.Index(2), store.LastIndex())
	require.Equal(t, raft.Index(1), e.CommitIndex())
	require.Equal(t, raft.ServerID(2), e.LastKnownLeader())
}

func TestEngine_AppendEntriesConflictReportsConflictIndex(t *testing.T) {
	e, _, _ := newTestEngine(t, 1, threeServerCluster(t, 1))
	reply, err := e.HandleAppendEntries(2, raft.AppendEntriesRequest{
		Term: 1, LeaderID: 2, PrevLogIndex: 5, PrevLogTerm: 1,
	})
	require.NoError(t, err)
	require.False(t, reply.Success)
	require.Equal(t, raft.Index(1), reply.ConflictIndex) // log empty: lastIndex+1 == 1
}

func TestEngine_DisableLeaderWriteRejectsNonLeader(t *testing.T) {
	e, _, _ := newTestEngine(t, 1, threeServerCluster(t, 1))
	reply := e.HandleDisableLeaderWrite(raft.DisableLeaderWriteRequest{TimeoutMs: 1000, Term: 0})
	require.False(t, reply.Success)
}

func TestEngine_ProposeFailsWhenNotLeader(t *testing.T) {
	e, _, _ := newTestEngine(t, 1, threeServerCluster(t, 1))
	_, _, err := e.Propose(raft.UpdateRequest{Payload: []byte("x")})
	require.Error(t, err)
	require.True(t, raft.IsErrNotLeader(err))
}

func TestEngine_EmitsLeaderChangedOnElection(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cluster := threeServerCluster(t, 1)
	e, transport, _ := newTestEngineWithClock(t, 1, cluster, &now)

	bus := events.NewBus()
	var mu sync.Mutex
	var received []events.Event
	bus.Watch(func(evt events.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, evt)
	})
	e.SetEventBus(bus)

	term := electLeader(t, e, transport, &now)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, events.LeaderChanged, received[0].Type)
	require.Equal(t, uint64(1), received[0].Leader)
	require.Equal(t, uint64(term), received[0].Term)
}

func TestEngine_QueryClusterStateReportsConfig(t *testing.T) {
	cluster := threeServerCluster(t, 1)
	e, _, _ := newTestEngine(t, 1, cluster)
	reply := e.HandleQueryClusterState()
	require.Equal(t, []raft.ServerID{1, 2, 3}, reply.Config.New.Voters)
}
