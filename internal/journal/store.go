// Package journal implements the Journal Store: the append-only,
// partitioned, term-tagged sequence of log entries every role consults
// to decide what has been proposed, replicated, and may be applied.
//
// Two implementations satisfy Store: MemStore for tests and the
// single-process demo harness, and SegmentedFileStore for durable
// operation, both grounded on the same shape as the teacher's
// log.InMemoryLog.
package journal

import (
	"errors"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// ErrIndexBeforeFirstEntry is returned by any read or truncate
// addressing an index that has already been compacted away by
// DiscardBefore.
var ErrIndexBeforeFirstEntry = errors.New("journal: index before first entry")

// Store is the Journal Store. Implementations must never return a
// partially written LogEntry: a reader either sees an entry in full or
// gets an error.
type Store interface {
	// Append adds entry as the new last entry, assigning it the next
	// sequential Index (entry.Index on the way in is ignored). It
	// returns once entry is durable.
	Append(entry raft.LogEntry) (raft.Index, error)

	// AppendAfter durably replaces everything after prevIndex with
	// entries, truncating any existing suffix first. It is the
	// Follower-reconciliation operation: per spec.md §4.2, a caller may
	// only use it to overwrite entries that have not yet been
	// acknowledged to a Leader, and the Follower must not acknowledge
	// the overwriting AppendEntries batch until this returns.
	AppendAfter(prevIndex raft.Index, entries []raft.LogEntry) error

	// ReadAt returns the entry at index.
	ReadAt(index raft.Index) (raft.LogEntry, error)

	// ReadRange returns entries in [from, to], inclusive.
	ReadRange(from, to raft.Index) ([]raft.LogEntry, error)

	// TermAt returns the term of the entry at index.
	TermAt(index raft.Index) (raft.Term, error)

	// FirstIndex is the index of the oldest entry still retained.
	FirstIndex() raft.Index

	// LastIndex is the index of the newest entry. It is FirstIndex()-1
	// when the journal is empty.
	LastIndex() raft.Index

	// TruncateAfter discards every entry with index > index. Per
	// spec.md §4.2 this is a Follower-only operation and must complete
	// durably before any reply depending on the new state is sent.
	TruncateAfter(index raft.Index) error

	// DiscardBefore compacts away every entry with index < index,
	// advancing FirstIndex to index. It is used once a snapshot covers
	// everything up to index.
	DiscardBefore(index raft.Index) error
}
