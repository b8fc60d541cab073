package raftutil

// StoppableFunc is a long-running function that must stop promptly once
// stop is closed.
type StoppableFunc func(stop <-chan struct{})

// StoppableGoroutine wraps a StoppableFunc running on its own goroutine
// with a stop-and-wait protocol.
type StoppableGoroutine struct {
	stop    chan struct{}
	stopped chan struct{}
}

// StartGoroutine starts f on a new goroutine.
func StartGoroutine(f StoppableFunc) *StoppableGoroutine {
	sg := &StoppableGoroutine{
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go func() {
		defer close(sg.stopped)
		f(sg.stop)
	}()
	return sg
}

// StopAsync requests f to stop, without waiting. Safe to call once.
func (sg *StoppableGoroutine) StopAsync() { close(sg.stop) }

// Join blocks until the goroutine has finished.
func (sg *StoppableGoroutine) Join() { <-sg.stopped }

// StopSync requests f to stop and waits for it to finish.
func (sg *StoppableGoroutine) StopSync() {
	sg.StopAsync()
	sg.Join()
}

// Stopped reports whether the goroutine has finished.
func (sg *StoppableGoroutine) Stopped() bool {
	select {
	case <-sg.stopped:
		return true
	default:
		return false
	}
}
