package transaction_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/journalkeeper/journalkeeper/internal/proposal"
	"github.com/journalkeeper/journalkeeper/internal/transaction"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

type fakeEngine struct {
	mu   sync.Mutex
	term raft.Term
}

func (e *fakeEngine) CurrentTerm() raft.Term {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

func (e *fakeEngine) advanceTerm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.term++
}

type fakeProposer struct {
	mu       sync.Mutex
	proposed []raft.UpdateRequest
}

func (p *fakeProposer) Propose(_ context.Context, req raft.UpdateRequest, _ raft.ResponseLevel) (proposal.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proposed = append(p.proposed, req)
	return proposal.Outcome{Index: raft.Index(len(p.proposed))}, nil
}

func TestManager_CommitProposesOneBatchedEntry(t *testing.T) {
	engine := &fakeEngine{term: 1}
	proposer := &fakeProposer{}
	m := transaction.NewManager(engine, proposer)

	id := m.Begin()
	require.NoError(t, m.Update(id, raft.UpdateRequest{Payload: []byte("a"), Partition: 3}))
	require.NoError(t, m.Update(id, raft.UpdateRequest{Payload: []byte("b"), Partition: 3}))

	outcome, err := m.Commit(context.Background(), id, raft.ResponseReplication)
	require.NoError(t, err)
	require.Equal(t, raft.Index(1), outcome.Index)

	require.Len(t, proposer.proposed, 1)
	require.Equal(t, raft.Partition(3), proposer.proposed[0].Partition)
	require.Equal(t, uint32(2), proposer.proposed[0].BatchSize)
}

func TestManager_CommitTwiceFailsSecondTime(t *testing.T) {
	engine := &fakeEngine{term: 1}
	m := transaction.NewManager(engine, &fakeProposer{})

	id := m.Begin()
	require.NoError(t, m.Update(id, raft.UpdateRequest{Payload: []byte("a")}))
	_, err := m.Commit(context.Background(), id, raft.ResponseReceive)
	require.NoError(t, err)

	_, err = m.Commit(context.Background(), id, raft.ResponseReceive)
	require.Error(t, err)
}

func TestManager_RollbackDiscardsAccumulatedEntries(t *testing.T) {
	engine := &fakeEngine{term: 1}
	proposer := &fakeProposer{}
	m := transaction.NewManager(engine, proposer)

	id := m.Begin()
	require.NoError(t, m.Update(id, raft.UpdateRequest{Payload: []byte("a")}))
	require.NoError(t, m.Rollback(id))

	_, err := m.Commit(context.Background(), id, raft.ResponseReceive)
	require.Error(t, err)
	require.Empty(t, proposer.proposed)
}

func TestManager_LeaderChangeInvalidatesOpenTransaction(t *testing.T) {
	engine := &fakeEngine{term: 1}
	m := transaction.NewManager(engine, &fakeProposer{})

	id := m.Begin()
	engine.advanceTerm()

	err := m.Update(id, raft.UpdateRequest{Payload: []byte("a")})
	require.Error(t, err)
	require.True(t, raft.IsErrTransactionInvalidated(err))

	_, err = m.Commit(context.Background(), id, raft.ResponseReceive)
	require.Error(t, err)
}

func TestManager_OpeningTransactionsOmitsStaleTermSessions(t *testing.T) {
	engine := &fakeEngine{term: 1}
	m := transaction.NewManager(engine, &fakeProposer{})

	current := m.Begin()
	stale := m.Begin()
	_ = stale
	engine.advanceTerm()
	another := m.Begin()

	open := m.OpeningTransactions()
	require.Contains(t, open, another)
	require.NotContains(t, open, current)
}
