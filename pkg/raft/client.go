package raft

import (
	"context"

	"github.com/google/uuid"
)

// Future is a single-assignment result slot, the Go analogue of the
// original client API's CompletableFuture. It is produced by RaftClient
// methods and resolved exactly once by the server side.
type Future[T any] struct {
	ch  chan result[T]
	ctx context.Context
}

type result[T any] struct {
	val T
	err error
}

// NewFuture allocates an unresolved Future bound to ctx: if ctx is
// cancelled before the future resolves, Wait returns ctx.Err().
func NewFuture[T any](ctx context.Context) *Future[T] {
	return &Future[T]{ch: make(chan result[T], 1), ctx: ctx}
}

// Resolve completes the future. Safe to call at most once.
func (f *Future[T]) Resolve(val T) { f.ch <- result[T]{val: val} }

// Fail completes the future with an error. Safe to call at most once.
func (f *Future[T]) Fail(err error) { f.ch <- result[T]{err: err} }

// Wait blocks until the future resolves or its context is cancelled.
//
// Cancellation races with server-side completion: if both happen, whichever
// reaches this call first wins and the other is discarded, per the
// cancellation semantics in the concurrency model ("client-side cancellation
// races with server completion and is resolved by discarding any late
// result").
func (f *Future[T]) Wait() (T, error) {
	select {
	case r := <-f.ch:
		return r.val, r.err
	case <-f.ctx.Done():
		var zero T
		return zero, f.ctx.Err()
	}
}

// Event is a cluster notification delivered to watchers: leader changes,
// membership changes, and similar state transitions external observers
// care about.
type Event struct {
	Kind    string
	Term    Term
	Leader  *ServerID
	Payload any
}

// EventListener receives cluster events registered via Watch.
type EventListener func(Event)

// TransactionID identifies a client-side transaction session.
type TransactionID uuid.UUID

// NewTransactionID allocates a fresh, random transaction identifier.
func NewTransactionID() TransactionID { return TransactionID(uuid.New()) }

func (t TransactionID) String() string { return uuid.UUID(t).String() }

// RaftClient is the client-facing API surface: update proposals, strongly
// consistent queries, transactions, cluster events, and membership
// queries/changes.
//
// E is the entry payload type, ER the per-entry applied result, Q the
// query type, and QR the query result type — the system is otherwise
// agnostic to all four, per the "polymorphism over entry/result/query/
// query-result types" design note: at the wire it is bytes, and
// application-level typing is the caller's responsibility via Codec[E,ER,Q,QR].
type RaftClient[E, ER, Q, QR any] interface {
	// Update submits one or more proposals. See UpdateOne/UpdateBatch for
	// the common-case convenience wrappers matching the defaults of the
	// original update() overload ladder (partition 0, batch size 1,
	// includeHeader false; UpdateBatch also uses ResponseReplication,
	// while UpdateOne takes the level from its caller).
	Update(
		ctx context.Context,
		entries []E,
		partition Partition,
		batchSize uint32,
		includeHeader bool,
		level ResponseLevel,
	) (*Future[[]ER], error)

	// Query performs a strongly consistent read against the cluster's
	// applied state.
	Query(ctx context.Context, q Q) (*Future[QR], error)

	// BeginTransaction opens a new transaction session pinned to the
	// current leader's term.
	BeginTransaction(ctx context.Context) (TransactionID, error)
	// UpdateTransaction accumulates an entry into an open transaction.
	UpdateTransaction(ctx context.Context, tx TransactionID, entry E) error
	// CommitTransaction atomically appends the transaction's accumulated
	// entries.
	CommitTransaction(ctx context.Context, tx TransactionID) (*Future[[]ER], error)
	// RollbackTransaction discards an open transaction's accumulated
	// entries.
	RollbackTransaction(ctx context.Context, tx TransactionID) error
	// OpenTransactions lists the IDs of transactions this client has open.
	OpenTransactions() []TransactionID

	// Watch registers listener for cluster events. Unwatch removes it.
	Watch(listener EventListener)
	Unwatch(listener EventListener)

	// WaitForClusterReady blocks until the cluster has a known leader, or
	// timeout elapses.
	WaitForClusterReady(ctx context.Context) error
	// Servers returns the cluster's current configuration.
	Servers(ctx context.Context) (ClusterConfig, error)
	// UpdateVoters proposes a membership change from old to new.
	UpdateVoters(ctx context.Context, old, new *VoterSet) error
	// ConvertRoll changes the role of the server with the given id (voter
	// or observer).
	ConvertRoll(ctx context.Context, id ServerID, role Role) error

	// Stop gracefully shuts the client down; every in-flight future fails
	// with ErrStopped.
	Stop()
}

// UpdateOne submits a single entry and returns the first (only) result,
// or the zero ER when level does not resolve a result (any level below
// ResponseAll).
// Mirrors the single-entry overload of the original update() ladder.
func UpdateOne[E, ER, Q, QR any](
	ctx context.Context,
	c RaftClient[E, ER, Q, QR],
	entry E,
	level ResponseLevel,
) (*Future[ER], error) {
	batchFuture, err := c.Update(ctx, []E{entry}, DefaultPartition, 1, false, level)
	if err != nil {
		return nil, err
	}
	single := NewFuture[ER](ctx)
	go func() {
		results, err := batchFuture.Wait()
		if err != nil {
			single.Fail(err)
			return
		}
		if len(results) == 0 {
			var zero ER
			single.Resolve(zero)
			return
		}
		single.Resolve(results[0])
	}()
	return single, nil
}

// UpdateBatch submits a batch of entries at the default partition with
// ResponseReplication, mirroring the no-response-level overload.
func UpdateBatch[E, ER, Q, QR any](
	ctx context.Context,
	c RaftClient[E, ER, Q, QR],
	entries []E,
) (*Future[[]ER], error) {
	return c.Update(ctx, entries, DefaultPartition, 1, false, ResponseReplication)
}
