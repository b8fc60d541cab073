package codec

import (
	"github.com/google/uuid"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// EncodeMessage encodes msg and wraps it in a complete frame addressed
// from sender to receiver, correlated by correlationID.
func EncodeMessage(correlationID uuid.UUID, sender, receiver raft.ServerID, msg any) ([]byte, error) {
	typ, payload, err := encodePayload(msg)
	if err != nil {
		return nil, err
	}
	h := Header{
		Version:       Version,
		Type:          typ,
		CorrelationID: correlationID,
		Sender:        sender,
		Receiver:      receiver,
	}
	return EncodeFrame(h, payload), nil
}

// DecodeMessage splits buf into its Header and the decoded message value
// appropriate to the header's Type.
func DecodeMessage(buf []byte) (Header, any, error) {
	h, payload, err := DecodeFrame(buf)
	if err != nil {
		return Header{}, nil, err
	}
	msg, err := decodePayload(h.Type, payload)
	if err != nil {
		return Header{}, nil, err
	}
	return h, msg, nil
}

func encodePayload(msg any) (Type, []byte, error) {
	switch m := msg.(type) {
	case raft.RequestVoteRequest:
		return TypeRequestVoteRequest, EncodeRequestVoteRequest(m), nil
	case raft.RequestVoteReply:
		return TypeRequestVoteReply, EncodeRequestVoteReply(m), nil
	case raft.AppendEntriesRequest:
		return TypeAppendEntriesRequest, EncodeAppendEntriesRequest(m), nil
	case raft.AppendEntriesReply:
		return TypeAppendEntriesReply, EncodeAppendEntriesReply(m), nil
	case raft.InstallSnapshotRequest:
		return TypeInstallSnapshotRequest, EncodeInstallSnapshotRequest(m), nil
	case raft.InstallSnapshotReply:
		return TypeInstallSnapshotReply, EncodeInstallSnapshotReply(m), nil
	case raft.DisableLeaderWriteRequest:
		return TypeDisableLeaderWriteRequest, EncodeDisableLeaderWriteRequest(m), nil
	case raft.DisableLeaderWriteReply:
		return TypeDisableLeaderWriteReply, EncodeDisableLeaderWriteReply(m), nil
	case raft.UpdateClusterStateRequest:
		return TypeUpdateClusterStateRequest, EncodeUpdateClusterStateRequest(m), nil
	case raft.UpdateClusterStateReply:
		return TypeUpdateClusterStateReply, EncodeUpdateClusterStateReply(m), nil
	case raft.QueryClusterStateRequest:
		return TypeQueryClusterStateRequest, EncodeQueryClusterStateRequest(m), nil
	case raft.QueryClusterStateReply:
		return TypeQueryClusterStateReply, EncodeQueryClusterStateReply(m), nil
	default:
		return 0, nil, raft.NewErrUnknownType(0)
	}
}

func decodePayload(typ Type, payload []byte) (any, error) {
	switch typ {
	case TypeRequestVoteRequest:
		return DecodeRequestVoteRequest(payload)
	case TypeRequestVoteReply:
		return DecodeRequestVoteReply(payload)
	case TypeAppendEntriesRequest:
		return DecodeAppendEntriesRequest(payload)
	case TypeAppendEntriesReply:
		return DecodeAppendEntriesReply(payload)
	case TypeInstallSnapshotRequest:
		return DecodeInstallSnapshotRequest(payload)
	case TypeInstallSnapshotReply:
		return DecodeInstallSnapshotReply(payload)
	case TypeDisableLeaderWriteRequest:
		return DecodeDisableLeaderWriteRequest(payload)
	case TypeDisableLeaderWriteReply:
		return DecodeDisableLeaderWriteReply(payload)
	case TypeUpdateClusterStateRequest:
		return DecodeUpdateClusterStateRequest(payload)
	case TypeUpdateClusterStateReply:
		return DecodeUpdateClusterStateReply(payload)
	case TypeQueryClusterStateRequest:
		return DecodeQueryClusterStateRequest(payload)
	case TypeQueryClusterStateReply:
		return DecodeQueryClusterStateReply(payload)
	default:
		return nil, raft.NewErrUnknownType(uint32(typ))
	}
}
