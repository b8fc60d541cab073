package router

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/journalkeeper/journalkeeper/internal/codec"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

const defaultWaitForClusterReadyTimeout = 30 * time.Second

// TypedClient adapts a byte-oriented Router to raft.RaftClient[E, ER, Q,
// QR]: the application-typed client surface the original API exposes,
// where entries, results, queries, and query results are all concrete
// Go values rather than raw bytes. The four marshal/unmarshal functions
// are the Codec[E,ER,Q,QR] the package doc for RaftClient alludes to.
type TypedClient[E, ER, Q, QR any] struct {
	router *Router

	marshalEntry          func(E) ([]byte, error)
	unmarshalResult       func([]byte) (ER, error)
	marshalQuery          func(Q) ([]byte, error)
	unmarshalQueryResult  func([]byte) (QR, error)

	mu        sync.Mutex
	listeners []raft.EventListener
}

var _ raft.RaftClient[[]byte, []byte, []byte, []byte] = (*TypedClient[[]byte, []byte, []byte, []byte])(nil)

// NewTypedClient adapts router into a RaftClient using the given
// marshal/unmarshal functions for its four type parameters.
func NewTypedClient[E, ER, Q, QR any](
	router *Router,
	marshalEntry func(E) ([]byte, error),
	unmarshalResult func([]byte) (ER, error),
	marshalQuery func(Q) ([]byte, error),
	unmarshalQueryResult func([]byte) (QR, error),
) *TypedClient[E, ER, Q, QR] {
	return &TypedClient[E, ER, Q, QR]{
		router:               router,
		marshalEntry:         marshalEntry,
		unmarshalResult:      unmarshalResult,
		marshalQuery:         marshalQuery,
		unmarshalQueryResult: unmarshalQueryResult,
	}
}

func (c *TypedClient[E, ER, Q, QR]) Update(
	ctx context.Context,
	entries []E,
	partition raft.Partition,
	batchSize uint32,
	includeHeader bool,
	level raft.ResponseLevel,
) (*raft.Future[[]ER], error) {
	payloads := make([][]byte, len(entries))
	for i, e := range entries {
		p, err := c.marshalEntry(e)
		if err != nil {
			return nil, err
		}
		payloads[i] = p
	}
	req := raft.UpdateRequest{
		Payload:       codec.EncodeBatch(payloads),
		Partition:     partition,
		BatchSize:     batchSize,
		IncludeHeader: includeHeader,
	}

	future := raft.NewFuture[[]ER](ctx)
	go func() {
		outcome, err := c.router.Update(ctx, req, level)
		if err != nil {
			future.Fail(err)
			return
		}
		results, err := c.decodeBatchResult(outcome.Payload)
		if err != nil {
			future.Fail(err)
			return
		}
		future.Resolve(results)
	}()
	return future, nil
}

func (c *TypedClient[E, ER, Q, QR]) decodeBatchResult(payload []byte) ([]ER, error) {
	if payload == nil {
		return nil, nil
	}
	subs, err := codec.DecodeBatch(payload)
	if err != nil {
		return nil, err
	}
	results := make([]ER, len(subs))
	for i, s := range subs {
		r, err := c.unmarshalResult(s)
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}

func (c *TypedClient[E, ER, Q, QR]) Query(ctx context.Context, q Q) (*raft.Future[QR], error) {
	payload, err := c.marshalQuery(q)
	if err != nil {
		return nil, err
	}

	future := raft.NewFuture[QR](ctx)
	go func() {
		out, err := c.router.Query(ctx, payload, raft.Strong)
		if err != nil {
			future.Fail(err)
			return
		}
		result, err := c.unmarshalQueryResult(out)
		if err != nil {
			future.Fail(err)
			return
		}
		future.Resolve(result)
	}()
	return future, nil
}

func (c *TypedClient[E, ER, Q, QR]) BeginTransaction(ctx context.Context) (raft.TransactionID, error) {
	id, err := c.router.BeginTransaction(ctx)
	return raft.TransactionID(id), err
}

func (c *TypedClient[E, ER, Q, QR]) UpdateTransaction(ctx context.Context, tx raft.TransactionID, entry E) error {
	payload, err := c.marshalEntry(entry)
	if err != nil {
		return err
	}
	return c.router.TransactionUpdate(ctx, uuid.UUID(tx), raft.UpdateRequest{Payload: payload, BatchSize: 1})
}

func (c *TypedClient[E, ER, Q, QR]) CommitTransaction(ctx context.Context, tx raft.TransactionID) (*raft.Future[[]ER], error) {
	future := raft.NewFuture[[]ER](ctx)
	go func() {
		outcome, err := c.router.CommitTransaction(ctx, uuid.UUID(tx), raft.ResponseAll)
		if err != nil {
			future.Fail(err)
			return
		}
		results, err := c.decodeBatchResult(outcome.Payload)
		if err != nil {
			future.Fail(err)
			return
		}
		future.Resolve(results)
	}()
	return future, nil
}

func (c *TypedClient[E, ER, Q, QR]) RollbackTransaction(ctx context.Context, tx raft.TransactionID) error {
	return c.router.RollbackTransaction(ctx, uuid.UUID(tx))
}

func (c *TypedClient[E, ER, Q, QR]) OpenTransactions() []raft.TransactionID {
	ids := c.router.OpenTransactions()
	out := make([]raft.TransactionID, len(ids))
	for i, id := range ids {
		out[i] = raft.TransactionID(id)
	}
	return out
}

// Watch and Unwatch only maintain a local registry: remote event
// delivery is out of scope (the event-emission contract stops at
// internal/events.Bus on the server side), so nothing ever calls back
// into a listener registered here. Kept to satisfy RaftClient rather
// than to do anything useful yet.
func (c *TypedClient[E, ER, Q, QR]) Watch(listener raft.EventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *TypedClient[E, ER, Q, QR]) Unwatch(listener raft.EventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := reflect.ValueOf(listener).Pointer()
	for i, l := range c.listeners {
		if reflect.ValueOf(l).Pointer() == target {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *TypedClient[E, ER, Q, QR]) WaitForClusterReady(ctx context.Context) error {
	timeout := defaultWaitForClusterReadyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return c.router.WaitForClusterReady(ctx, timeout)
}

func (c *TypedClient[E, ER, Q, QR]) Servers(ctx context.Context) (raft.ClusterConfig, error) {
	return c.router.GetServers(ctx)
}

func (c *TypedClient[E, ER, Q, QR]) UpdateVoters(ctx context.Context, old, new *raft.VoterSet) error {
	return c.router.UpdateVoters(ctx, old, new)
}

// ConvertRoll has no wire-protocol support: see internal/router's
// DESIGN.md entry for why raft.UpdateClusterStateRequest carries no
// observer set to extend this onto yet.
func (c *TypedClient[E, ER, Q, QR]) ConvertRoll(ctx context.Context, id raft.ServerID, role raft.Role) error {
	return fmt.Errorf("journalkeeper: ConvertRoll(%d, %s) has no wire-protocol support yet", id, role)
}

// Stop closes the Router's cached connections. It does not fail
// in-flight futures: each one still resolves from whatever its pending
// Router call returns, or from its context.
func (c *TypedClient[E, ER, Q, QR]) Stop() {
	_ = c.router.Close()
}
