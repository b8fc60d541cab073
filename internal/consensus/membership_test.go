package consensus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

func TestEngine_UpdateClusterStateRejectsSecondChangeWhileOneInFlight(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cluster := threeServerCluster(t, 1)
	e, transport, _ := newTestEngineWithClock(t, 1, cluster, &now)
	electLeader(t, e, transport, &now)

	_, err := e.HandleUpdateClusterState(raft.UpdateClusterStateRequest{
		Old: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3}},
		New: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3, 4}},
	})
	require.NoError(t, err)

	_, err = e.HandleUpdateClusterState(raft.UpdateClusterStateRequest{
		Old: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3, 4}},
		New: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3}},
	})
	require.Error(t, err)
	require.True(t, raft.IsErrConfigurationConflict(err))
}

func TestEngine_UpdateClusterStateAdoptsJointConfigImmediately(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cluster := threeServerCluster(t, 1)
	e, transport, _ := newTestEngineWithClock(t, 1, cluster, &now)
	electLeader(t, e, transport, &now)

	_, err := e.HandleUpdateClusterState(raft.UpdateClusterStateRequest{
		Old: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3}},
		New: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3, 4}},
	})
	require.NoError(t, err)

	config := e.HandleQueryClusterState().Config
	require.True(t, config.IsJoint())
	require.Equal(t, []raft.ServerID{1, 2, 3}, config.Old.Voters)
	require.Equal(t, []raft.ServerID{1, 2, 3, 4}, config.New.Voters)

	sent := lastAppendEntriesTo(transport, 4)
	require.Len(t, sent.Entries, 1)
	require.Equal(t, raft.ConfigPartition, sent.Entries[0].Partition)
}

func TestEngine_UpdateClusterStateCollapsesToFinalConfigOnceJointEntryCommits(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cluster := threeServerCluster(t, 1)
	e, transport, _ := newTestEngineWithClock(t, 1, cluster, &now)
	electLeader(t, e, transport, &now)

	reply, err := e.HandleUpdateClusterState(raft.UpdateClusterStateRequest{
		Old: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3}},
		New: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3}},
	})
	require.NoError(t, err)
	require.True(t, reply.Success)

	jointSend := lastAppendEntriesTo(transport, 2)
	term := jointSend.Term
	require.NoError(t, e.HandleAppendEntriesReply(2, jointSend, raft.AppendEntriesReply{
		Term: term, Success: true,
	}))

	config := e.HandleQueryClusterState().Config
	require.False(t, config.IsJoint())
	require.Equal(t, []raft.ServerID{1, 2, 3}, config.New.Voters)
}

func TestEngine_DisableLeaderWriteBlocksProposeUntilTimeout(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cluster := threeServerCluster(t, 1)
	e, transport, _ := newTestEngineWithClock(t, 1, cluster, &now)
	term := electLeader(t, e, transport, &now)

	reply := e.HandleDisableLeaderWrite(raft.DisableLeaderWriteRequest{TimeoutMs: 1000, Term: int32(term)})
	require.True(t, reply.Success)

	_, _, err := e.Propose(raft.UpdateRequest{Payload: []byte("x")})
	require.Error(t, err)
	require.True(t, raft.IsErrLeaderWriteDisabled(err))

	now = now.Add(1100 * time.Millisecond)
	_, _, err = e.Propose(raft.UpdateRequest{Payload: []byte("x")})
	require.NoError(t, err)
}
