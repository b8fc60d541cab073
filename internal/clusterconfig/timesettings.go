package clusterconfig

import "time"

// TimeSettings holds the tick and election-timeout parameters the
// consensus engine's scheduling is built from.
type TimeSettings struct {
	// TickerDuration is how often the consensus engine's background
	// ticker fires.
	TickerDuration time.Duration
	// ElectionTimeoutLow is the low end of the randomized election
	// timeout interval [T, 2T].
	ElectionTimeoutLow time.Duration
	// DisableLeaderWriteMaxDuration is the longest DisableLeaderWrite
	// maintenance window a leader should accept. Validate only checks it
	// is not negative; consensus.Engine does not read it, and
	// HandleDisableLeaderWrite applies whatever TimeoutMs it is given.
	DisableLeaderWriteMaxDuration time.Duration
}

// Validate checks the basic sanity constraints on TimeSettings, returning
// a human-readable reason if invalid, or "" if valid.
func Validate(ts TimeSettings) string {
	if ts.TickerDuration <= 0 {
		return "TickerDuration must be greater than zero"
	}
	if ts.ElectionTimeoutLow <= ts.TickerDuration {
		return "ElectionTimeoutLow must be greater than TickerDuration"
	}
	if ts.DisableLeaderWriteMaxDuration < 0 {
		return "DisableLeaderWriteMaxDuration must not be negative"
	}
	return ""
}

// DefaultTimeSettings returns settings suitable for a single-process demo
// harness: a 10ms tick and a 100-200ms election timeout.
func DefaultTimeSettings() TimeSettings {
	return TimeSettings{
		TickerDuration:                10 * time.Millisecond,
		ElectionTimeoutLow:            100 * time.Millisecond,
		DisableLeaderWriteMaxDuration: time.Minute,
	}
}
