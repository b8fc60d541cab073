package journal

import (
	"fmt"
	"sync"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// MemStore is a Store with no durability, keeping every retained entry
// in a slice. Grounded on the teacher's InMemoryLog; DiscardBefore here
// actually drops the discarded entries (the teacher's equivalent left a
// FIXME to do so).
type MemStore struct {
	mu      sync.Mutex
	first   raft.Index
	entries []raft.LogEntry // entries[i] has Index == first+Index(i)
}

// NewMemStore creates an empty MemStore. The first entry Appended gets
// Index 1.
func NewMemStore() *MemStore {
	return &MemStore{first: 1}
}

func (s *MemStore) Append(entry raft.LogEntry) (raft.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Index = s.lastIndexLocked() + 1
	s.entries = append(s.entries, entry)
	return entry.Index, nil
}

func (s *MemStore) AppendAfter(prevIndex raft.Index, entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prevIndex+1 < s.first {
		return ErrIndexBeforeFirstEntry
	}
	last := s.lastIndexLocked()
	if last < prevIndex {
		return fmt.Errorf("journal: AppendAfter(%d, ...) but lastIndex=%d", prevIndex, last)
	}
	s.entries = s.entries[:prevIndex-s.first+1]
	for i, e := range entries {
		e.Index = prevIndex + raft.Index(i) + 1
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *MemStore) ReadAt(index raft.Index) (raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.atLocked(index)
	if err != nil {
		return raft.LogEntry{}, err
	}
	return e, nil
}

func (s *MemStore) ReadRange(from, to raft.Index) ([]raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < s.first {
		return nil, ErrIndexBeforeFirstEntry
	}
	last := s.lastIndexLocked()
	if to > last {
		return nil, fmt.Errorf("journal: ReadRange(%d, %d) but lastIndex=%d", from, to, last)
	}
	if to < from {
		return []raft.LogEntry{}, nil
	}
	out := make([]raft.LogEntry, to-from+1)
	copy(out, s.entries[from-s.first:to-s.first+1])
	return out, nil
}

func (s *MemStore) TermAt(index raft.Index) (raft.Term, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.atLocked(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

func (s *MemStore) FirstIndex() raft.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

func (s *MemStore) LastIndex() raft.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndexLocked()
}

func (s *MemStore) TruncateAfter(index raft.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index+1 < s.first {
		return ErrIndexBeforeFirstEntry
	}
	last := s.lastIndexLocked()
	if index >= last {
		return nil
	}
	s.entries = s.entries[:index-s.first+1]
	return nil
}

func (s *MemStore) DiscardBefore(index raft.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.first {
		return ErrIndexBeforeFirstEntry
	}
	last := s.lastIndexLocked()
	if index > last+1 {
		return fmt.Errorf("journal: DiscardBefore(%d) but lastIndex=%d", index, last)
	}
	s.entries = s.entries[index-s.first:]
	s.first = index
	return nil
}

func (s *MemStore) lastIndexLocked() raft.Index {
	return s.first + raft.Index(len(s.entries)) - 1
}

func (s *MemStore) atLocked(index raft.Index) (raft.LogEntry, error) {
	if index < s.first {
		return raft.LogEntry{}, ErrIndexBeforeFirstEntry
	}
	last := s.lastIndexLocked()
	if index > last {
		return raft.LogEntry{}, fmt.Errorf("journal: index %d > lastIndex %d", index, last)
	}
	return s.entries[index-s.first], nil
}
