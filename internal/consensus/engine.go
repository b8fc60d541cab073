// Package consensus implements the Raft Server Core: the role state
// machine (Follower/Candidate/Leader/Observer), leader election, log
// replication, the commit rule, joint-consensus membership changes, and
// the DisableLeaderWrite maintenance RPC.
//
// Grounded on the teacher's PassiveConsensusModule
// (consensus/consensus.go) and its RPC handlers (consensus/rpc_*.go):
// the same single-mutex "one logical execution context" discipline, the
// same Tick-driven role state machine, generalized to the spec's wider
// RPC surface and to a term-jump nextIndex optimization the teacher
// does not implement.
package consensus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-errors/errors"

	"github.com/journalkeeper/journalkeeper/internal/clusterconfig"
	"github.com/journalkeeper/journalkeeper/internal/events"
	"github.com/journalkeeper/journalkeeper/internal/journal"
	"github.com/journalkeeper/journalkeeper/internal/raftstate"
	"github.com/journalkeeper/journalkeeper/internal/raftutil"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// Engine is the Raft Server Core for one server. Every field below the
// mutex is read and written only while holding it; this is the "one
// logical execution context" the concurrency design requires for
// role/term/log-pointer state.
type Engine struct {
	mu sync.Mutex

	// -- immutable collaborators
	record    raftstate.Record
	store     journal.Store
	transport Transport
	cluster   *clusterconfig.ClusterInfo
	logger    *log.Logger
	nowFunc   func() time.Time
	events    *events.Bus

	electionTimeoutChooser *raftutil.ElectionTimeoutChooser
	electionTimer          *raftutil.Timer

	// -- state for every role
	role        raft.Role
	commitIndex *raftutil.WatchedIndex

	// -- state while CANDIDATE only
	votes *voteTracker

	// -- state while LEADER only
	followers map[raft.ServerID]*followerProgress

	// observers tracks per-observer replication progress the same way
	// followers does for voters, but observers never enter quorum/commit
	// calculations: they are "non-voting replicas that receive the log",
	// nothing more.
	observers map[raft.ServerID]*followerProgress

	leaderWriteDisabledUntil time.Time

	// configChangeInFlight is the joint-consensus safety barrier: at
	// most one membership change may be outstanding (proposed but not
	// yet resolved to a non-joint configuration) at a time.
	configChangeInFlight bool
	pendingJointIndex    raft.Index
	pendingFinalizeIndex raft.Index
	pendingNewVoters     *raft.VoterSet
}

// NewEngine creates an Engine for one server. The engine starts as a
// Follower, matching "when servers start up, they begin as followers".
func NewEngine(
	record raftstate.Record,
	store journal.Store,
	transport Transport,
	cluster *clusterconfig.ClusterInfo,
	electionTimeoutLow time.Duration,
	nowFunc func() time.Time,
	logger *log.Logger,
) (*Engine, error) {
	if record == nil {
		return nil, fmt.Errorf("consensus: record cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("consensus: store cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("consensus: transport cannot be nil")
	}
	if cluster == nil {
		return nil, fmt.Errorf("consensus: cluster cannot be nil")
	}
	if electionTimeoutLow <= 0 {
		return nil, fmt.Errorf("consensus: electionTimeoutLow must be greater than zero")
	}
	if nowFunc == nil {
		return nil, fmt.Errorf("consensus: nowFunc cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("consensus: logger cannot be nil")
	}

	e := &Engine{
		record:                 record,
		store:                  store,
		transport:              transport,
		cluster:                cluster,
		logger:                 logger,
		nowFunc:                nowFunc,
		electionTimeoutChooser: raftutil.NewElectionTimeoutChooser(electionTimeoutLow),
		role:                   raft.RoleFollower,
	}
	config := cluster.Config()
	if config.IsObserver(cluster.ThisServerID()) {
		e.role = raft.RoleObserver
	}
	e.electionTimer = raftutil.NewTimer(electionTimeoutLow, nowFunc)
	e.commitIndex = raftutil.NewWatchedIndex(&e.mu)
	return e, nil
}

// SetEventBus wires bus to receive LeaderChanged and ConfigChanged
// events as this engine observes them. Optional: an engine with no bus
// set simply emits nothing. Must be called before the engine starts
// receiving Tick/RPC calls to avoid a data race on the field.
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.events = bus
}

func (e *Engine) emit(evt events.Event) {
	if e.events != nil {
		e.events.Emit(evt)
	}
}

// Role reports the server's current role.
func (e *Engine) Role() raft.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// CommitIndex reports the highest index known to be committed.
func (e *Engine) CommitIndex() raft.Index {
	return e.commitIndex.Get()
}

// CommitIndexWatchable exposes the commit index's WatchedIndex so the
// proposal pipeline and the State Machine Host can register listeners
// without the engine needing to know about either.
func (e *Engine) CommitIndexWatchable() *raftutil.WatchedIndex {
	return e.commitIndex
}

// CurrentTerm reports the server's current term.
func (e *Engine) CurrentTerm() raft.Term {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.CurrentTerm()
}

// LastKnownLeader reports the last leader this server has observed,
// for use as a NotLeader redirect hint. Zero means none observed yet.
func (e *Engine) LastKnownLeader() raft.ServerID {
	return e.record.LastKnownLeader()
}

// setRole validates and sets the server's role, logging transitions.
func (e *Engine) setRole(role raft.Role) {
	if e.role == raft.RoleObserver {
		panic("consensus: FATAL: an observer must never change role")
	}
	if role != raft.RoleFollower && role != raft.RoleCandidate && role != raft.RoleLeader {
		panic(fmt.Sprintf("consensus: FATAL: unknown role: %v", role))
	}
	if e.role != role {
		e.logger.Printf("[raft] role: %v -> %v", e.role, role)
		e.role = role
	}
}

func (e *Engine) setCommitIndexLocked(index raft.Index) error {
	if index < e.commitIndex.UnsafeGet() {
		return fmt.Errorf("consensus: setCommitIndex to %v < current %v", index, e.commitIndex.UnsafeGet())
	}
	last := e.store.LastIndex()
	if index > last {
		return fmt.Errorf("consensus: setCommitIndex to %v > lastIndex %v", index, last)
	}
	return e.commitIndex.UnsafeSet(index)
}

// Propose appends req to the journal as a new entry, assigning it an
// index. It fails with ErrNotLeader if this server is not currently
// leader and with ErrLeaderWriteDisabled if DisableLeaderWrite is in
// effect. Grounded on AppendCommand.
func (e *Engine) Propose(req raft.UpdateRequest) (raft.Index, raft.Term, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != raft.RoleLeader {
		return 0, 0, raft.NewErrNotLeader(e.notLeaderHintLocked())
	}
	if e.nowFunc().Before(e.leaderWriteDisabledUntil) {
		return 0, 0, raft.NewErrLeaderWriteDisabled()
	}

	term := e.record.CurrentTerm()
	entry := raft.LogEntry{
		Term:      term,
		Partition: req.Partition,
		BatchSize: req.BatchSize,
		Timestamp: e.nowFunc(),
		Payload:   req.Payload,
	}
	index, err := e.store.Append(entry)
	if err != nil {
		return 0, 0, raft.NewErrStorageFault(err)
	}
	if err := e.sendAppendEntriesToAllPeersLocked(false); err != nil {
		return 0, 0, err
	}
	return index, term, nil
}

func (e *Engine) notLeaderHintLocked() *raft.ServerID {
	if leader := e.record.LastKnownLeader(); leader != 0 {
		return &leader
	}
	return nil
}

// Tick drives the role state machine forward by one step: a Follower or
// Candidate whose election timer has expired starts a new election; a
// Leader advances its commit index and sends AppendEntries to every
// voter and observer it tracks, carrying whatever entries each one's
// nextIndex has not yet covered.
func (e *Engine) Tick() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.role {
	case raft.RoleObserver:
		// Observers never vote or stand for election; they simply wait
		// for AppendEntries from the leader.
		return nil
	case raft.RoleFollower, raft.RoleCandidate:
		if e.electionTimer.Expired() {
			e.logger.Println("[raft] election timeout - starting a new election")
			if err := e.becomeCandidateAndBeginElectionLocked(); err != nil {
				return err
			}
			if e.cluster.ClusterSize() == 1 {
				e.logger.Println("[raft] single-voter cluster - win election immediately")
				if err := e.becomeLeaderLocked(); err != nil {
					return err
				}
			}
		}
	case raft.RoleLeader:
		if err := e.advanceCommitIndexIfPossibleLocked(); err != nil {
			return err
		}
		if err := e.maybeCollapseJointConsensusLocked(); err != nil {
			return err
		}
		if err := e.sendAppendEntriesToAllPeersLocked(false); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) becomeCandidateAndBeginElectionLocked() error {
	newTerm := e.record.CurrentTerm() + 1
	if err := e.record.SetCurrentTermAndVotedFor(newTerm, e.cluster.ThisServerID()); err != nil {
		return err
	}
	e.votes = newVoteTracker(e.cluster)
	e.votes.addVoteFrom(e.cluster.ThisServerID(), true)
	e.setRole(raft.RoleCandidate)

	lastIndex, lastTerm, err := lastLogIndexAndTerm(e.store)
	if err != nil {
		return err
	}
	req := raft.RequestVoteRequest{
		Term:         newTerm,
		CandidateID:  e.cluster.ThisServerID(),
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	if err := e.cluster.ForEachVoterPeer(func(id raft.ServerID) error {
		e.transport.SendRequestVote(id, req)
		return nil
	}); err != nil {
		return err
	}
	e.electionTimer.RestartWithDuration(e.electionTimeoutChooser.Choose())
	return nil
}

func (e *Engine) becomeLeaderLocked() error {
	last := e.store.LastIndex()
	e.followers = make(map[raft.ServerID]*followerProgress)
	if err := e.cluster.ForEachVoterPeer(func(id raft.ServerID) error {
		e.followers[id] = &followerProgress{nextIndex: last + 1, matchIndex: 0}
		return nil
	}); err != nil {
		return err
	}
	e.observers = make(map[raft.ServerID]*followerProgress)
	if err := e.cluster.ForEachObserver(func(id raft.ServerID) error {
		e.observers[id] = &followerProgress{nextIndex: last + 1, matchIndex: 0}
		return nil
	}); err != nil {
		return err
	}
	e.votes = nil
	e.logger.Printf("[raft] becomeLeader: lastIndex=%v commitIndex=%v", last, e.commitIndex.UnsafeGet())
	e.setRole(raft.RoleLeader)
	if err := e.record.SetLastKnownLeader(e.cluster.ThisServerID()); err != nil {
		return err
	}
	e.emit(events.Event{Type: events.LeaderChanged, Leader: uint64(e.cluster.ThisServerID()), Term: uint64(e.record.CurrentTerm())})
	// Upon election: send initial empty AppendEntries (heartbeat) to
	// every peer, establishing leadership before any client write.
	return e.sendAppendEntriesToAllPeersLocked(true)
}

func (e *Engine) becomeFollowerWithTermLocked(newTerm raft.Term) error {
	currentTerm := e.record.CurrentTerm()
	if e.role == raft.RoleFollower && currentTerm == newTerm {
		return nil
	}
	e.logger.Printf("[raft] becomeFollowerWithTerm: newTerm=%v", newTerm)
	e.setRole(raft.RoleFollower)
	e.votes = nil
	e.followers = nil
	e.observers = nil
	e.configChangeInFlight = false
	e.pendingJointIndex = 0
	e.pendingFinalizeIndex = 0
	e.pendingNewVoters = nil
	if newTerm != currentTerm {
		if err := e.record.SetCurrentTermAndVotedFor(newTerm, 0); err != nil {
			return err
		}
	}
	return nil
}

// adoptNewerTermAsObserverLocked tracks a newer term seen on an incoming
// AppendEntries without transitioning role: an Observer receives entries
// but must never change role (setRole panics if it tried), so it cannot
// go through becomeFollowerWithTermLocked the way a Follower or
// Candidate does.
func (e *Engine) adoptNewerTermAsObserverLocked(newTerm raft.Term) error {
	currentTerm := e.record.CurrentTerm()
	if newTerm > currentTerm {
		if err := e.record.SetCurrentTermAndVotedFor(newTerm, 0); err != nil {
			return err
		}
	}
	return nil
}

func lastLogIndexAndTerm(store journal.Store) (raft.Index, raft.Term, error) {
	last := store.LastIndex()
	if last == 0 || last < store.FirstIndex() {
		return 0, 0, nil
	}
	term, err := store.TermAt(last)
	if err != nil {
		return 0, 0, err
	}
	return last, term, nil
}

// wrapFatal marks err so the owning process can distinguish a
// programmer/protocol invariant violation (which must halt the server)
// from an ordinary operational failure.
func wrapFatal(err error) error {
	return errors.New(fmt.Errorf("consensus: FATAL: %w", err))
}
