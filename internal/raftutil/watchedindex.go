package raftutil

import (
	"fmt"
	"sync"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// IndexListener is notified of a WatchedIndex's old and new value after
// every change. It runs synchronously inside UnsafeSet, while the caller
// still holds the WatchedIndex's lock, so calling Get or AddListener
// from a listener blocks on that lock.
type IndexListener func(oldValue, newValue raft.Index) error

// WatchedIndex is a monotonic raft.Index (used for both CommitIndex and
// LastApplied) whose changes fan out to registered listeners.
type WatchedIndex struct {
	lock      sync.Locker
	value     raft.Index
	listeners []IndexListener
}

// NewWatchedIndex creates a WatchedIndex starting at 0, guarded by lock.
// Passing the consensus engine's own mutex here ties the index's
// visibility to the same single-threaded execution context as the rest
// of its state.
func NewWatchedIndex(lock sync.Locker) *WatchedIndex {
	return &WatchedIndex{lock: lock}
}

// AddListener registers l to be called on every future change.
func (w *WatchedIndex) AddListener(l IndexListener) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.listeners = append(w.listeners, l)
}

// Get reads the current value under lock.
func (w *WatchedIndex) Get() raft.Index {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.value
}

// UnsafeGet reads the current value without locking; callers must already
// hold the lock passed to NewWatchedIndex.
func (w *WatchedIndex) UnsafeGet() raft.Index {
	return w.value
}

// UnsafeSet sets the value without locking (the caller must already hold
// the lock) and then calls every listener with the old and new value,
// still under the caller's lock. It stops at, and returns, the first
// listener error.
func (w *WatchedIndex) UnsafeSet(newValue raft.Index) error {
	if newValue < w.value {
		return fmt.Errorf("WatchedIndex: value cannot decrease: %v -> %v", w.value, newValue)
	}
	old := w.value
	w.value = newValue
	for _, l := range w.listeners {
		if err := l(old, newValue); err != nil {
			return err
		}
	}
	return nil
}
