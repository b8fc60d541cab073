package statemachine

import (
	"container/list"
	"sync"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// resultCache is a fixed-capacity, index-keyed LRU. It exists so a
// proposal-pipeline ALL-level waiter that arrives slightly after an
// entry applies can still retrieve the result without having registered
// a listener in time.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	elems    map[raft.Index]*list.Element
}

type cacheEntry struct {
	index  raft.Index
	result Result
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		panic("statemachine: result cache capacity must be greater than zero")
	}
	return &resultCache{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[raft.Index]*list.Element),
	}
}

func (c *resultCache) put(index raft.Index, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.elems[index]; ok {
		c.order.Remove(e)
		delete(c.elems, index)
	}
	e := c.order.PushFront(cacheEntry{index: index, result: result})
	c.elems[index] = e
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.elems, oldest.Value.(cacheEntry).index)
	}
}

func (c *resultCache) get(index raft.Index) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.elems[index]
	if !ok {
		return Result{}, false
	}
	c.order.MoveToFront(e)
	return e.Value.(cacheEntry).result, true
}
