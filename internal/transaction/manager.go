// Package transaction implements server-side transaction sessions: a
// UUID-identified buffer of accumulated updates that commits as one
// atomic log entry or discards on rollback.
//
// Grounded on spec.md's Transaction data model ("stateful session
// identified by a UUID and associated with a specific leader term.
// Accumulates entries server-side; commit atomically appends them;
// rollback discards. A transaction is invalidated on leader change")
// and the TransactionClient surface RaftClient.java extends. The
// session registry itself follows the teacher's map-guarded-by-mutex
// shape (committer/committer.go's listener map), generalized from
// per-index channels to per-UUID accumulation buffers.
package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/journalkeeper/journalkeeper/internal/codec"
	"github.com/journalkeeper/journalkeeper/internal/proposal"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// ConsensusEngine is the subset of *consensus.Engine the manager needs:
// the term a session is pinned to, and the term to check it against
// later.
type ConsensusEngine interface {
	CurrentTerm() raft.Term
}

// Proposer is the subset of *proposal.Pipeline the manager needs. Kept
// as an interface so tests can drive Commit without a full Pipeline.
type Proposer interface {
	Propose(ctx context.Context, req raft.UpdateRequest, level raft.ResponseLevel) (proposal.Outcome, error)
}

type session struct {
	term      raft.Term
	partition raft.Partition
	payloads  [][]byte
}

// Manager tracks every open transaction on this server. There is one
// Manager per server; a transaction opened on one server never becomes
// visible on another — per spec.md §4.5, the Client Router pins
// transaction operations to the leader that created the session.
type Manager struct {
	mu       sync.Mutex
	engine   ConsensusEngine
	pipeline Proposer
	sessions map[uuid.UUID]*session
}

// NewManager creates a Manager proposing commits through pipeline and
// checking leader-term pinning against engine.
func NewManager(engine ConsensusEngine, pipeline Proposer) *Manager {
	return &Manager{
		engine:   engine,
		pipeline: pipeline,
		sessions: make(map[uuid.UUID]*session),
	}
}

// Begin opens a new transaction pinned to the server's current term.
func (m *Manager) Begin() uuid.UUID {
	id := uuid.New()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &session{term: m.engine.CurrentTerm()}
	return id
}

// Update accumulates req into the open transaction id. It does not touch
// the journal; the entries become durable only on Commit.
func (m *Manager) Update(id uuid.UUID, req raft.UpdateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("transaction: unknown transaction %s", id)
	}
	if s.term != m.engine.CurrentTerm() {
		delete(m.sessions, id)
		return raft.NewErrTransactionInvalidated()
	}
	s.partition = req.Partition
	s.payloads = append(s.payloads, req.Payload)
	return nil
}

// Commit proposes every accumulated payload as a single batched log
// entry (LogEntry.BatchSize counts the sub-entries) and waits for level,
// exactly as a non-transactional Propose would. The transaction is
// invalidated, win or lose, the moment Commit is called: a transaction
// cannot be committed twice.
func (m *Manager) Commit(ctx context.Context, id uuid.UUID, level raft.ResponseLevel) (proposal.Outcome, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return proposal.Outcome{}, fmt.Errorf("transaction: unknown transaction %s", id)
	}
	if s.term != m.engine.CurrentTerm() {
		return proposal.Outcome{}, raft.NewErrTransactionInvalidated()
	}
	if len(s.payloads) == 0 {
		return proposal.Outcome{}, nil
	}

	req := raft.UpdateRequest{
		Payload:   codec.EncodeBatch(s.payloads),
		Partition: s.partition,
		BatchSize: uint32(len(s.payloads)),
	}
	return m.pipeline.Propose(ctx, req, level)
}

// Rollback discards transaction id without proposing anything.
func (m *Manager) Rollback(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("transaction: unknown transaction %s", id)
	}
	delete(m.sessions, id)
	return nil
}

// OpeningTransactions reports every transaction still open and pinned to
// the server's current term; a transaction whose term has since moved on
// is reported as already closed, matching the lazy invalidation Update
// and Commit perform.
func (m *Manager) OpeningTransactions() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	currentTerm := m.engine.CurrentTerm()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.term == currentTerm {
			ids = append(ids, id)
		}
	}
	return ids
}
