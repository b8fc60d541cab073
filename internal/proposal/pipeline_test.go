package proposal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/journalkeeper/journalkeeper/internal/proposal"
	"github.com/journalkeeper/journalkeeper/internal/raftutil"
	"github.com/journalkeeper/journalkeeper/internal/statemachine"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

type fakeEngine struct {
	mu sync.Mutex

	proposeErr      error
	lastIndex       raft.Index
	term            raft.Term
	role            raft.Role
	lastKnownLeader raft.ServerID

	commitIndex *raftutil.WatchedIndex
}

func newFakeEngine() *fakeEngine {
	e := &fakeEngine{term: 1, role: raft.RoleLeader}
	e.commitIndex = raftutil.NewWatchedIndex(&e.mu)
	return e
}

func (e *fakeEngine) Propose(req raft.UpdateRequest) (raft.Index, raft.Term, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proposeErr != nil {
		return 0, 0, e.proposeErr
	}
	e.lastIndex++
	return e.lastIndex, e.term, nil
}

func (e *fakeEngine) CommitIndex() raft.Index { return e.commitIndex.Get() }

func (e *fakeEngine) CommitIndexWatchable() *raftutil.WatchedIndex { return e.commitIndex }

func (e *fakeEngine) Role() raft.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *fakeEngine) CurrentTerm() raft.Term {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

func (e *fakeEngine) LastKnownLeader() raft.ServerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastKnownLeader
}

func (e *fakeEngine) commit(index raft.Index) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.commitIndex.UnsafeSet(index); err != nil {
		panic(err)
	}
}

func (e *fakeEngine) stepDownTo(leader raft.ServerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.role = raft.RoleFollower
	e.lastKnownLeader = leader
}

type fakeHost struct {
	mu      sync.Mutex
	results map[raft.Index]statemachine.Result
}

func newFakeHost() *fakeHost {
	return &fakeHost{results: map[raft.Index]statemachine.Result{}}
}

func (h *fakeHost) setResult(index raft.Index, r statemachine.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[index] = r
}

func (h *fakeHost) WaitForApplied(ctx context.Context, index raft.Index) error {
	for {
		h.mu.Lock()
		_, ok := h.results[index]
		h.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (h *fakeHost) AwaitResult(ctx context.Context, index raft.Index) (statemachine.Result, error) {
	if err := h.WaitForApplied(ctx, index); err != nil {
		return statemachine.Result{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.results[index], nil
}

func TestPipeline_ReceiveAndPersistenceResolveImmediately(t *testing.T) {
	engine := newFakeEngine()
	pipeline := proposal.NewPipeline(engine, newFakeHost())

	for _, level := range []raft.ResponseLevel{raft.ResponseReceive, raft.ResponsePersistence} {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		outcome, err := pipeline.Propose(ctx, raft.UpdateRequest{Payload: []byte("x")}, level)
		cancel()
		require.NoError(t, err)
		require.Nil(t, outcome.Payload)
		require.Equal(t, raft.Index(0), engine.CommitIndex()) // never waited on commit
	}
}

func TestPipeline_ReplicationWaitsForCommit(t *testing.T) {
	engine := newFakeEngine()
	pipeline := proposal.NewPipeline(engine, newFakeHost())

	type result struct {
		outcome proposal.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := pipeline.Propose(context.Background(), raft.UpdateRequest{Payload: []byte("x")}, raft.ResponseReplication)
		done <- result{outcome, err}
	}()

	select {
	case <-done:
		t.Fatal("resolved before the entry committed")
	case <-time.After(20 * time.Millisecond):
	}

	engine.commit(1)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, raft.Index(1), r.outcome.Index)
		require.Nil(t, r.outcome.Payload)
	case <-time.After(time.Second):
		t.Fatal("did not resolve after commit")
	}
}

func TestPipeline_ReplicationFailsWhenLeadershipLost(t *testing.T) {
	engine := newFakeEngine()
	pipeline := proposal.NewPipeline(engine, newFakeHost()).WithLeadershipPollInterval(time.Millisecond)

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, err := pipeline.Propose(context.Background(), raft.UpdateRequest{Payload: []byte("x")}, raft.ResponseReplication)
		done <- result{err}
	}()

	engine.stepDownTo(2)

	select {
	case r := <-done:
		require.Error(t, r.err)
		require.True(t, raft.IsErrNotLeader(r.err))
		var notLeader *raft.NotLeaderError
		require.ErrorAs(t, r.err, &notLeader)
		require.NotNil(t, notLeader.Hint)
		require.Equal(t, raft.ServerID(2), *notLeader.Hint)
	case <-time.After(time.Second):
		t.Fatal("did not fail after leadership was lost")
	}
}

func TestPipeline_AllReturnsPayloadAfterApply(t *testing.T) {
	engine := newFakeEngine()
	host := newFakeHost()
	pipeline := proposal.NewPipeline(engine, host)

	type result struct {
		outcome proposal.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := pipeline.Propose(context.Background(), raft.UpdateRequest{Payload: []byte("x")}, raft.ResponseAll)
		done <- result{outcome, err}
	}()

	engine.commit(1)
	host.setResult(1, statemachine.Result{Payload: []byte("applied")})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, []byte("applied"), r.outcome.Payload)
	case <-time.After(time.Second):
		t.Fatal("did not resolve after apply")
	}
}

func TestPipeline_ProposeErrorPropagatesWithoutWaiting(t *testing.T) {
	engine := newFakeEngine()
	engine.proposeErr = raft.NewErrNotLeader(nil)
	pipeline := proposal.NewPipeline(engine, newFakeHost())

	_, err := pipeline.Propose(context.Background(), raft.UpdateRequest{Payload: []byte("x")}, raft.ResponseAll)
	require.Error(t, err)
	require.True(t, raft.IsErrNotLeader(err))
}
