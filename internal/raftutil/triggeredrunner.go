package raftutil

import "sync"

// TriggeredRunner runs a configured function, once, every time it is
// triggered; concurrent triggers while a run is in progress collapse into
// a single pending re-run. Used to drive the state machine host's apply
// loop off commit-index changes without either busy-polling or double
// application.
type TriggeredRunner struct {
	f       func()
	trigger chan struct{}
	wg      sync.WaitGroup
}

// NewTriggeredRunner creates a TriggeredRunner and starts its goroutine.
func NewTriggeredRunner(f func()) *TriggeredRunner {
	tr := &TriggeredRunner{
		f:       f,
		trigger: make(chan struct{}, 1),
	}
	tr.wg.Add(1)
	go tr.run()
	return tr
}

func (tr *TriggeredRunner) run() {
	defer tr.wg.Done()
	for range tr.trigger {
		tr.f()
	}
}

// TriggerRun asks for a run of f, without blocking. Multiple pending
// triggers collapse into one.
func (tr *TriggeredRunner) TriggerRun() {
	select {
	case tr.trigger <- struct{}{}:
	default:
	}
}

// StopSync stops the runner's goroutine, waiting for any in-progress run
// to complete. Safe to call once.
func (tr *TriggeredRunner) StopSync() {
	close(tr.trigger)
	tr.wg.Wait()
}
