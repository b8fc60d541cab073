package main

import (
	"bytes"
	"sync"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// logStateMachine is the demo application this daemon drives: it
// appends every applied payload to a growing log and answers every
// query with the whole log, newline-joined; the query payload is
// ignored. It carries no real semantics;
// it exists to give statemachine.Host something deterministic to
// drive. Grounded on testhelpers.DummyStateMachine's shape (apply +
// record, nothing more).
type logStateMachine struct {
	mu  sync.Mutex
	log [][]byte
}

func newLogStateMachine() *logStateMachine {
	return &logStateMachine{}
}

func (m *logStateMachine) Apply(entry raft.LogEntry) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, entry.Payload)
	return entry.Payload, nil
}

func (m *logStateMachine) Query(payload []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Join(m.log, []byte("\n")), nil
}
