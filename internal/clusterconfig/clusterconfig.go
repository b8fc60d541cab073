// Package clusterconfig holds the cluster's membership view and timing
// parameters: the one piece of "configuration" this module owns directly
// (process bootstrap and everything else is out of scope).
package clusterconfig

import (
	"errors"
	"fmt"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// ClusterInfo wraps a raft.ClusterConfig with the lookups the consensus
// engine needs on every tick: peer iteration, quorum sizes (in both
// configurations during joint consensus), and membership tests.
type ClusterInfo struct {
	thisServerID raft.ServerID
	config       raft.ClusterConfig
}

// NewClusterInfo validates and wraps a cluster configuration for
// thisServerID.
func NewClusterInfo(config raft.ClusterConfig, thisServerID raft.ServerID) (*ClusterInfo, error) {
	if thisServerID == 0 {
		return nil, errors.New("clusterconfig: thisServerID is 0")
	}
	if config.New == nil || len(config.New.Voters) == 0 {
		return nil, errors.New("clusterconfig: New voter set must have at least one member")
	}
	if err := validateDistinct(config.New.Voters); err != nil {
		return nil, fmt.Errorf("clusterconfig: New: %w", err)
	}
	if config.Old != nil {
		if err := validateDistinct(config.Old.Voters); err != nil {
			return nil, fmt.Errorf("clusterconfig: Old: %w", err)
		}
	}
	return &ClusterInfo{thisServerID: thisServerID, config: config}, nil
}

func validateDistinct(ids []raft.ServerID) error {
	seen := make(map[raft.ServerID]bool, len(ids))
	for _, id := range ids {
		if id == 0 {
			return errors.New("contains server id 0")
		}
		if seen[id] {
			return fmt.Errorf("duplicate server id: %v", id)
		}
		seen[id] = true
	}
	return nil
}

// ThisServerID returns the ID of "this" server.
func (ci *ClusterInfo) ThisServerID() raft.ServerID { return ci.thisServerID }

// Config returns the wrapped configuration.
func (ci *ClusterInfo) Config() raft.ClusterConfig { return ci.config }

// SetConfig replaces the wrapped configuration. Membership-change entries
// are adopted immediately on append, not on commit, so the consensus
// engine calls this as soon as such an entry reaches the log.
func (ci *ClusterInfo) SetConfig(config raft.ClusterConfig) { ci.config = config }

// IsJoint reports whether the wrapped configuration is mid-transition.
func (ci *ClusterInfo) IsJoint() bool { return ci.config.IsJoint() }

// ForEachVoterPeer calls f for every voter in the active configuration(s)
// except thisServerID. During joint consensus this is the union of Old
// and New, each peer visited once.
func (ci *ClusterInfo) ForEachVoterPeer(f func(id raft.ServerID) error) error {
	seen := make(map[raft.ServerID]bool)
	visit := func(vs *raft.VoterSet) error {
		if vs == nil {
			return nil
		}
		for _, id := range vs.Voters {
			if id == ci.thisServerID || seen[id] {
				continue
			}
			seen[id] = true
			if err := f(id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(ci.config.Old); err != nil {
		return err
	}
	return visit(ci.config.New)
}

// ForEachObserver calls f for every observer in the active configuration
// except thisServerID.
func (ci *ClusterInfo) ForEachObserver(f func(id raft.ServerID) error) error {
	for _, id := range ci.config.Observers {
		if id == ci.thisServerID {
			continue
		}
		if err := f(id); err != nil {
			return err
		}
	}
	return nil
}

// IsVoterPeer reports whether id is a voter (in either configuration
// during joint consensus) other than this server.
func (ci *ClusterInfo) IsVoterPeer(id raft.ServerID) bool {
	if id == ci.thisServerID {
		return false
	}
	return ci.config.Old.Contains(id) || ci.config.New.Contains(id)
}

// HasQuorum reports whether matchCounts — a predicate over a voter ID
// telling whether that voter currently "matches" (e.g. has replicated up
// to some index) — holds for a majority in every active configuration.
// During joint consensus this requires a majority in BOTH Old and New.
func (ci *ClusterInfo) HasQuorum(matches func(id raft.ServerID) bool) bool {
	check := func(vs *raft.VoterSet) bool {
		if vs == nil {
			return true
		}
		count := 0
		for _, id := range vs.Voters {
			if id == ci.thisServerID || matches(id) {
				count++
			}
		}
		return count >= vs.QuorumSize()
	}
	return check(ci.config.Old) && check(ci.config.New)
}

// ClusterSize returns the number of voters in the active (New)
// configuration.
func (ci *ClusterInfo) ClusterSize() int {
	if ci.config.New == nil {
		return 0
	}
	return len(ci.config.New.Voters)
}
