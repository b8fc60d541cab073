package raftutil

import "time"

// Timer is a restartable, poll-based deadline. Unlike time.Timer it has
// no channel to leak or drain: callers poll Expired() from inside the
// single-threaded consensus loop on each tick.
type Timer struct {
	nowFunc   func() time.Time
	duration  time.Duration
	expiresAt time.Time
}

// NewTimer creates a Timer already running with the given duration.
func NewTimer(duration time.Duration, nowFunc func() time.Time) *Timer {
	t := &Timer{nowFunc: nowFunc, duration: duration}
	t.Restart()
	return t
}

// RestartWithDuration changes the timer's duration and restarts it from
// now.
func (t *Timer) RestartWithDuration(duration time.Duration) {
	t.duration = duration
	t.Restart()
}

// Restart restarts the timer, using its current duration, from now.
func (t *Timer) Restart() {
	t.expiresAt = t.nowFunc().Add(t.duration)
}

// Expired reports whether the timer's duration has elapsed.
func (t *Timer) Expired() bool {
	return t.nowFunc().After(t.expiresAt)
}

// Duration returns the timer's current duration.
func (t *Timer) Duration() time.Duration { return t.duration }
