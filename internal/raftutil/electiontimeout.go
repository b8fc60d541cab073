package raftutil

import (
	"math/rand"
	"time"
)

// ElectionTimeoutChooser picks a randomized election timeout in
// [low, 2*low], both ends inclusive, per "randomized interval in [T, 2T]" in the election
// design.
type ElectionTimeoutChooser struct {
	low time.Duration
	rng *rand.Rand
}

// NewElectionTimeoutChooser creates a chooser for the given low bound.
func NewElectionTimeoutChooser(low time.Duration) *ElectionTimeoutChooser {
	return &ElectionTimeoutChooser{
		low: low,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Choose returns a fresh randomized timeout.
func (c *ElectionTimeoutChooser) Choose() time.Duration {
	return c.low + time.Duration(c.rng.Int63n(int64(c.low)+1))
}
