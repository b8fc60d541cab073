// Package statemachine hosts the application-defined state machine: the
// single goroutine that applies committed journal entries strictly in
// index order and serves queries against whatever it has applied so
// far.
package statemachine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/journalkeeper/journalkeeper/internal/events"
	"github.com/journalkeeper/journalkeeper/internal/journal"
	"github.com/journalkeeper/journalkeeper/internal/raftutil"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// StateMachine is the application-defined logic an Host drives. Apply
// must be deterministic: given the same sequence of entries every
// replica must reach the same state and produce the same result bytes.
type StateMachine interface {
	Apply(entry raft.LogEntry) ([]byte, error)
	Query(payload []byte) ([]byte, error)
}

// FatalErrorHandler is called, at most once, if the apply loop hits an
// error it cannot recover from (a journal read failure past the commit
// index, for instance). The handler is expected to call StopSync.
type FatalErrorHandler func(err error)

// Result is what applying one entry produced.
type Result struct {
	Payload []byte
	Err     error
}

const defaultResultCacheSize = 4096

// Host applies committed entries to a StateMachine in strict index
// order, in its own goroutine, and exposes the read-index wait every
// query needs: block until this replica has applied at least as far as
// the commit index captured when the query was dispatched.
//
// Grounded on the teacher's Committer: the same
// TriggeredRunner-driven apply loop, generalized to also maintain a
// rolling state-root hash and a bounded per-index result cache instead
// of committer.go's single-use listener channels.
type Host struct {
	mu sync.Mutex

	store journal.Store
	sm    StateMachine
	feh   FatalErrorHandler

	commitIndex raft.Index
	lastApplied *raftutil.WatchedIndex
	stopRequest bool

	stateRoot [sha256.Size]byte
	cache     *resultCache
	events    *events.Bus

	applier *raftutil.TriggeredRunner
}

// SetEventBus wires bus to receive an Applied event after every entry
// this Host applies. Optional; must be called before SetCommitIndex is
// first called to avoid a data race on the field.
func (h *Host) SetEventBus(bus *events.Bus) {
	h.events = bus
}

// NewHost creates a Host reading committed entries from store and
// applying them to sm. The apply goroutine starts immediately.
func NewHost(store journal.Store, sm StateMachine, feh FatalErrorHandler) *Host {
	var fatalOnce sync.Once
	onceFeh := func(err error) { fatalOnce.Do(func() { feh(err) }) }
	h := &Host{
		store: store,
		sm:    sm,
		feh:   onceFeh,
		cache: newResultCache(defaultResultCacheSize),
	}
	h.lastApplied = raftutil.NewWatchedIndex(&h.mu)
	h.applier = raftutil.NewTriggeredRunner(h.applyPending)
	return h
}

// StopSync stops the apply goroutine. Safe to call once.
func (h *Host) StopSync() {
	h.mu.Lock()
	h.stopRequest = true
	h.mu.Unlock()
	h.applier.StopSync()
}

// SetCommitIndex advances the index up to which entries may be applied.
// It is the Host's equivalent of the teacher's CommitAsync: it returns
// immediately, the apply goroutine does the work.
func (h *Host) SetCommitIndex(index raft.Index) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < h.commitIndex {
		return fmt.Errorf("statemachine: commitIndex cannot decrease: %v -> %v", h.commitIndex, index)
	}
	h.commitIndex = index
	h.applier.TriggerRun()
	return nil
}

// LastApplied reports the highest index applied so far.
func (h *Host) LastApplied() raft.Index {
	return h.lastApplied.Get()
}

// StateRoot reports a hash of every applied entry and result so far, in
// order. Divergence between replicas at the same index is a correctness
// bug; comparing StateRoot across a cluster is the simplest way to
// detect one.
func (h *Host) StateRoot() [sha256.Size]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateRoot
}

// Query runs payload against the state as of at least waitIndex,
// blocking until this Host has applied that far. This is the
// read-index strategy: a caller captures the leader's current commit
// index before dispatching, then calls Query with it.
func (h *Host) Query(ctx context.Context, waitIndex raft.Index, payload []byte) ([]byte, error) {
	if err := h.WaitForApplied(ctx, waitIndex); err != nil {
		return nil, err
	}
	return h.sm.Query(payload)
}

// WaitForApplied blocks until LastApplied() >= index, ctx is done, or
// the Host is stopped.
func (h *Host) WaitForApplied(ctx context.Context, index raft.Index) error {
	if h.lastApplied.Get() >= index {
		return nil
	}
	done := make(chan struct{})
	var once sync.Once
	h.lastApplied.AddListener(func(_, newValue raft.Index) error {
		if newValue >= index {
			once.Do(func() { close(done) })
		}
		return nil
	})
	if h.lastApplied.Get() >= index {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitResult blocks until index has been applied and returns its
// Result, consulting the bounded cache. Used by the proposal pipeline's
// ALL response level.
func (h *Host) AwaitResult(ctx context.Context, index raft.Index) (Result, error) {
	if err := h.WaitForApplied(ctx, index); err != nil {
		return Result{}, err
	}
	if r, ok := h.cache.get(index); ok {
		return r, nil
	}
	return Result{}, fmt.Errorf("statemachine: result for index %d no longer cached", index)
}

func (h *Host) applyPending() {
	for {
		h.mu.Lock()
		stopRequest := h.stopRequest
		commitIndexSnapshot := h.commitIndex
		lastApplied := h.lastApplied.UnsafeGet()
		h.mu.Unlock()

		if stopRequest || lastApplied >= commitIndexSnapshot {
			return
		}

		entries, err := h.store.ReadRange(lastApplied+1, commitIndexSnapshot)
		if err != nil {
			h.feh(err)
			return
		}

		for _, entry := range entries {
			h.mu.Lock()
			stopRequest = h.stopRequest
			h.mu.Unlock()
			if stopRequest {
				return
			}

			var result Result
			if entry.Partition == raft.ConfigPartition {
				// Membership-change entries are consensus bookkeeping,
				// adopted into ClusterInfo on append; the application
				// state machine never sees them.
			} else {
				payload, applyErr := h.sm.Apply(entry)
				result = Result{Payload: payload, Err: applyErr}
			}
			h.cache.put(entry.Index, result)
			if h.events != nil {
				h.events.Emit(events.Event{Type: events.Applied, Index: uint64(entry.Index)})
			}

			h.mu.Lock()
			h.stateRoot = nextStateRoot(h.stateRoot, entry, result)
			setErr := h.lastApplied.UnsafeSet(entry.Index)
			h.mu.Unlock()
			if setErr != nil {
				h.feh(setErr)
				return
			}
		}
	}
}

func nextStateRoot(prev [sha256.Size]byte, entry raft.LogEntry, result Result) [sha256.Size]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])
	var indexBuf [8]byte
	binary.BigEndian.PutUint64(indexBuf[:], uint64(entry.Index))
	hasher.Write(indexBuf[:])
	hasher.Write(entry.Payload)
	hasher.Write(result.Payload)
	var next [sha256.Size]byte
	copy(next[:], hasher.Sum(nil))
	return next
}
