package raftstate

import (
	"fmt"
	"sync"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// InMemoryRecord is a Record with no durability, for tests and transient
// observer nodes.
type InMemoryRecord struct {
	mu sync.Mutex
	st persisted
}

// NewInMemoryRecord creates an InMemoryRecord starting at term 0.
func NewInMemoryRecord() *InMemoryRecord {
	return &InMemoryRecord{}
}

func (r *InMemoryRecord) CurrentTerm() raft.Term {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.CurrentTerm
}

func (r *InMemoryRecord) VotedFor() raft.ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.VotedFor
}

func (r *InMemoryRecord) LastKnownLeader() raft.ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.LastKnownLeader
}

func (r *InMemoryRecord) SetCurrentTermAndVotedFor(term raft.Term, votedFor raft.ServerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if term < r.st.CurrentTerm {
		return fmt.Errorf(
			"raftstate: attempt to decrease currentTerm: %v -> %v", r.st.CurrentTerm, term,
		)
	}
	r.st.CurrentTerm = term
	r.st.VotedFor = votedFor
	return nil
}

func (r *InMemoryRecord) SetLastKnownLeader(leader raft.ServerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.LastKnownLeader = leader
	return nil
}
