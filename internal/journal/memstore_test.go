package journal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/journalkeeper/journalkeeper/internal/journal"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

func appendN(t *testing.T, s journal.Store, n int, term raft.Term) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Append(raft.LogEntry{Term: term, Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}
}

func TestMemStore_AppendAssignsSequentialIndex(t *testing.T) {
	s := journal.NewMemStore()

	i1, err := s.Append(raft.LogEntry{Term: 1, Payload: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, raft.Index(1), i1)

	i2, err := s.Append(raft.LogEntry{Term: 1, Payload: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, raft.Index(2), i2)

	require.Equal(t, raft.Index(1), s.FirstIndex())
	require.Equal(t, raft.Index(2), s.LastIndex())
}

func TestMemStore_ReadAtAndRange(t *testing.T) {
	s := journal.NewMemStore()
	appendN(t, s, 5, 1)

	e, err := s.ReadAt(3)
	require.NoError(t, err)
	require.Equal(t, raft.Index(3), e.Index)

	entries, err := s.ReadRange(2, 4)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, raft.Index(2), entries[0].Index)
	require.Equal(t, raft.Index(4), entries[2].Index)
}

func TestMemStore_TruncateAfter(t *testing.T) {
	s := journal.NewMemStore()
	appendN(t, s, 5, 1)

	require.NoError(t, s.TruncateAfter(3))
	require.Equal(t, raft.Index(3), s.LastIndex())

	_, err := s.ReadAt(4)
	require.Error(t, err)
}

func TestMemStore_AppendAfterOverwritesSuffix(t *testing.T) {
	s := journal.NewMemStore()
	appendN(t, s, 5, 1)

	err := s.AppendAfter(2, []raft.LogEntry{{Term: 2, Payload: []byte("x")}, {Term: 2, Payload: []byte("y")}})
	require.NoError(t, err)
	require.Equal(t, raft.Index(4), s.LastIndex())

	term, err := s.TermAt(3)
	require.NoError(t, err)
	require.Equal(t, raft.Term(2), term)
}

func TestMemStore_DiscardBefore(t *testing.T) {
	s := journal.NewMemStore()
	appendN(t, s, 5, 1)

	require.NoError(t, s.DiscardBefore(3))
	require.Equal(t, raft.Index(3), s.FirstIndex())

	_, err := s.ReadAt(2)
	require.ErrorIs(t, err, journal.ErrIndexBeforeFirstEntry)

	e, err := s.ReadAt(3)
	require.NoError(t, err)
	require.Equal(t, raft.Index(3), e.Index)
}
