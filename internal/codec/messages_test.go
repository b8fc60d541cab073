package codec_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/journalkeeper/journalkeeper/internal/codec"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

func TestRequestVoteRoundTrip(t *testing.T) {
	req := raft.RequestVoteRequest{Term: 7, CandidateID: 3, LastLogIndex: 99, LastLogTerm: 6}
	decoded, err := codec.DecodeRequestVoteRequest(codec.EncodeRequestVoteRequest(req))
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	rep := raft.RequestVoteReply{Term: 7, VoteGranted: true}
	decodedRep, err := codec.DecodeRequestVoteReply(codec.EncodeRequestVoteReply(rep))
	require.NoError(t, err)
	require.Equal(t, rep, decodedRep)
}

func TestAppendEntriesRoundTrip(t *testing.T) {
	req := raft.AppendEntriesRequest{
		Term:         5,
		LeaderID:     1,
		PrevLogIndex: 10,
		PrevLogTerm:  4,
		LeaderCommit: 9,
		Entries: []raft.LogEntry{
			{
				Term:      5,
				Index:     11,
				Partition: 2,
				BatchSize: 3,
				Timestamp: time.UnixMilli(1700000000000).UTC(),
				Header:    []byte("h"),
				Payload:   []byte("payload-one"),
			},
			{
				Term:      5,
				Index:     12,
				Partition: 0,
				BatchSize: 1,
				Timestamp: time.UnixMilli(1700000001000).UTC(),
				Header:    nil,
				Payload:   []byte("payload-two"),
			},
		},
	}

	decoded, err := codec.DecodeAppendEntriesRequest(codec.EncodeAppendEntriesRequest(req))

	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestUpdateClusterStateRoundTrip(t *testing.T) {
	req := raft.UpdateClusterStateRequest{
		Old: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3}},
		New: &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3, 4}},
	}

	decoded, err := codec.DecodeUpdateClusterStateRequest(codec.EncodeUpdateClusterStateRequest(req))

	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestQueryClusterStateReplyRoundTrip(t *testing.T) {
	rep := raft.QueryClusterStateReply{
		Config: raft.ClusterConfig{
			New:       &raft.VoterSet{Voters: []raft.ServerID{1, 2, 3}},
			Observers: []raft.ServerID{9},
		},
	}

	decoded, err := codec.DecodeQueryClusterStateReply(codec.EncodeQueryClusterStateReply(rep))

	require.NoError(t, err)
	require.Equal(t, rep, decoded)
}

func TestEncodeDecodeMessage_FrameRoundTrip(t *testing.T) {
	req := raft.RequestVoteRequest{Term: 1, CandidateID: 2, LastLogIndex: 3, LastLogTerm: 1}
	correlationID := uuid.New()

	frame, err := codec.EncodeMessage(correlationID, raft.ServerID(2), raft.ServerID(1), req)
	require.NoError(t, err)

	header, msg, err := codec.DecodeMessage(frame)
	require.NoError(t, err)
	require.Equal(t, correlationID, header.CorrelationID)
	require.Equal(t, raft.ServerID(2), header.Sender)
	require.Equal(t, raft.ServerID(1), header.Receiver)
	require.Equal(t, req, msg)
}

func TestDecodeMessage_UnknownType(t *testing.T) {
	h := codec.Header{Version: codec.Version, Type: 9999, CorrelationID: uuid.New(), Sender: 1, Receiver: 2}
	frame := codec.EncodeFrame(h, nil)

	_, _, err := codec.DecodeMessage(frame)

	require.Error(t, err)
	require.True(t, raft.IsErrUnknownType(err))
}
