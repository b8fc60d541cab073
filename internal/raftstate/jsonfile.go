package raftstate

import (
	"fmt"
	"os"
	"sync"

	"github.com/journalkeeper/journalkeeper/internal/fileutil"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

type persisted struct {
	CurrentTerm     raft.Term     `json:"currentTerm"`
	VotedFor        raft.ServerID `json:"votedFor"`
	LastKnownLeader raft.ServerID `json:"lastKnownLeader"`
}

// JSONFileRecord is a Record backed by an atomically-written JSON file.
//
// Every setter synchronously fsyncs the file before returning, satisfying
// the write-before-reply discipline: callers must not send a reply that
// depends on the new value until the setter returns successfully.
//
// The state is read once at construction; this instance must have
// exclusive ownership of the underlying file for the rest of its
// lifetime.
type JSONFileRecord struct {
	mu   sync.Mutex
	file fileutil.AtomicJSONFile
	st   persisted
}

// NewJSONFileRecord opens (or initializes) a JSONFileRecord at filename.
func NewJSONFileRecord(filename string) (*JSONFileRecord, error) {
	r := &JSONFileRecord{file: fileutil.NewAtomicJSONFile(filename)}
	if err := r.file.Read(&r.st); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		r.st = persisted{}
	}
	return r, nil
}

func (r *JSONFileRecord) CurrentTerm() raft.Term {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.CurrentTerm
}

func (r *JSONFileRecord) VotedFor() raft.ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.VotedFor
}

func (r *JSONFileRecord) LastKnownLeader() raft.ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.LastKnownLeader
}

func (r *JSONFileRecord) SetCurrentTermAndVotedFor(term raft.Term, votedFor raft.ServerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if term < r.st.CurrentTerm {
		return fmt.Errorf(
			"raftstate: attempt to decrease currentTerm: %v -> %v", r.st.CurrentTerm, term,
		)
	}
	prev := r.st
	r.st.CurrentTerm = term
	r.st.VotedFor = votedFor
	if err := r.file.Write(&r.st); err != nil {
		r.st = prev
		return err
	}
	return nil
}

func (r *JSONFileRecord) SetLastKnownLeader(leader raft.ServerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.st
	r.st.LastKnownLeader = leader
	if err := r.file.Write(&r.st); err != nil {
		r.st = prev
		return err
	}
	return nil
}
