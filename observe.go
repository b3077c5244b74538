package pipeline

import "time"

// RoundEvent describes one completed round: the raw output of every stage in
// declaration order (including the garbage of fill and drain rounds) and the
// wall time the round took. Purely diagnostic; consumers map Values through
// StageNames.
type RoundEvent[T any] struct {
	Round   int
	Values  []T
	Elapsed time.Duration
}

// Observer receives a RoundEvent after every round of Run.
type Observer[T any] func(RoundEvent[T])
