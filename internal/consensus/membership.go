package consensus

import (
	"github.com/journalkeeper/journalkeeper/internal/codec"
	"github.com/journalkeeper/journalkeeper/internal/events"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

func configChangedEvent(cc raft.ClusterConfig) events.Event {
	evt := events.Event{Type: events.ConfigChanged}
	if cc.New != nil {
		evt.ConfigNew = make([]uint64, len(cc.New.Voters))
		for i, id := range cc.New.Voters {
			evt.ConfigNew[i] = uint64(id)
		}
	}
	if cc.Old != nil {
		evt.ConfigOld = make([]uint64, len(cc.Old.Voters))
		for i, id := range cc.Old.Voters {
			evt.ConfigOld[i] = uint64(id)
		}
	}
	return evt
}

// HandleUpdateClusterState proposes a membership change. Only a Leader
// may propose one, and only one may be in flight at a time (the
// joint-consensus safety barrier): the change is first appended as a
// joint configuration (Old = the currently active voters, New = the
// target voters) and adopted into ClusterInfo immediately, matching
// "membership-change entries are adopted immediately on append, not on
// commit". Once that joint entry commits, the engine appends a second,
// non-joint entry finalizing New as the sole active configuration.
func (e *Engine) HandleUpdateClusterState(req raft.UpdateClusterStateRequest) (raft.UpdateClusterStateReply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != raft.RoleLeader {
		return raft.UpdateClusterStateReply{}, raft.NewErrNotLeader(e.notLeaderHintLocked())
	}
	if e.configChangeInFlight {
		return raft.UpdateClusterStateReply{}, raft.NewErrConfigurationConflict()
	}

	current := e.cluster.Config()
	joint := raft.ClusterConfig{
		Old:       current.New,
		New:       req.New,
		Observers: current.Observers,
	}

	entry := raft.LogEntry{
		Term:      e.record.CurrentTerm(),
		Partition: raft.ConfigPartition,
		Timestamp: e.nowFunc(),
		Header:    codec.EncodeClusterConfig(joint),
	}
	index, err := e.store.Append(entry)
	if err != nil {
		return raft.UpdateClusterStateReply{}, raft.NewErrStorageFault(err)
	}

	e.cluster.SetConfig(joint)
	e.emit(configChangedEvent(joint))
	e.ensureFollowerProgressLocked(index)
	e.configChangeInFlight = true
	e.pendingJointIndex = index
	e.pendingNewVoters = req.New

	if err := e.sendAppendEntriesToAllPeersLocked(false); err != nil {
		return raft.UpdateClusterStateReply{}, err
	}
	return raft.UpdateClusterStateReply{Success: true}, nil
}

// HandleQueryClusterState reports this server's current configuration.
func (e *Engine) HandleQueryClusterState() raft.QueryClusterStateReply {
	e.mu.Lock()
	defer e.mu.Unlock()
	return raft.QueryClusterStateReply{Config: e.cluster.Config()}
}

// ensureFollowerProgressLocked adds tracking entries for any voter
// newly introduced by a membership change, so the leader starts
// replicating to it from the config entry onward.
func (e *Engine) ensureFollowerProgressLocked(fromIndex raft.Index) {
	if e.followers == nil {
		return
	}
	_ = e.cluster.ForEachVoterPeer(func(id raft.ServerID) error {
		if _, ok := e.followers[id]; !ok {
			e.followers[id] = &followerProgress{nextIndex: fromIndex, matchIndex: 0}
		}
		return nil
	})
}

// adoptAnyConfigChangeEntriesLocked scans entries just written to the
// journal (by a Follower reconciling with a Leader) for membership
// changes and adopts the last one found into ClusterInfo. Followers
// adopt on append for the same reason leaders do: quorum and peer-set
// decisions must never lag behind the log.
func (e *Engine) adoptAnyConfigChangeEntriesLocked(entries []raft.LogEntry) {
	for _, entry := range entries {
		if entry.Partition != raft.ConfigPartition {
			continue
		}
		cc, err := codec.DecodeClusterConfig(entry.Header)
		if err != nil {
			e.logger.Printf("[raft] adoptAnyConfigChangeEntries: malformed config entry at %v: %v", entry.Index, err)
			continue
		}
		e.cluster.SetConfig(cc)
		e.emit(configChangedEvent(cc))
	}
}

// maybeCollapseJointConsensusLocked finalizes a membership change once
// its joint entry has committed, and clears the safety barrier once
// the finalizing entry has committed in turn.
func (e *Engine) maybeCollapseJointConsensusLocked() error {
	if !e.configChangeInFlight || e.role != raft.RoleLeader {
		return nil
	}
	commitIndex := e.commitIndex.UnsafeGet()

	if e.pendingFinalizeIndex == 0 {
		if commitIndex < e.pendingJointIndex {
			return nil
		}
		final := raft.ClusterConfig{New: e.pendingNewVoters, Observers: e.cluster.Config().Observers}
		entry := raft.LogEntry{
			Term:      e.record.CurrentTerm(),
			Partition: raft.ConfigPartition,
			Timestamp: e.nowFunc(),
			Header:    codec.EncodeClusterConfig(final),
		}
		index, err := e.store.Append(entry)
		if err != nil {
			return raft.NewErrStorageFault(err)
		}
		e.cluster.SetConfig(final)
		e.emit(configChangedEvent(final))
		e.pendingFinalizeIndex = index
		e.pruneFollowersNoLongerVotersLocked()
		return e.sendAppendEntriesToAllPeersLocked(false)
	}

	if commitIndex >= e.pendingFinalizeIndex {
		e.configChangeInFlight = false
		e.pendingJointIndex = 0
		e.pendingFinalizeIndex = 0
		e.pendingNewVoters = nil
	}
	return nil
}

func (e *Engine) pruneFollowersNoLongerVotersLocked() {
	for id := range e.followers {
		if !e.cluster.IsVoterPeer(id) {
			delete(e.followers, id)
		}
	}
}
