package pipeline

import (
	"context"
	"fmt"
)

// Func is a stage function. It receives its resolved inputs in declaration
// order and returns the stage's output for the round. Inputs may carry the
// pipeline's NoData sentinel while the pipeline fills up or drains; a Func
// must tolerate that (typically by propagating it), since outputs derived
// from sentinels are discarded by the executor anyway.
//
// The context carries the per-round deadline when one is configured. A Func
// must be free of side effects on pipeline state; returning an error aborts
// the whole run.
type Func[T any] func(ctx context.Context, in ...T) (T, error)

// Pure lifts a context-free, error-free function into a Func.
func Pure[T any](fn func(in ...T) T) Func[T] {
	return func(_ context.Context, in ...T) (T, error) {
		return fn(in...), nil
	}
}

type sourceKind int

const (
	sourceInput sourceKind = iota
	sourceOutput
	sourceBuffered
)

// Source declares where one input of a stage comes from.
type Source struct {
	kind   sourceKind
	stream int
	stage  string
}

// Input declares a read of external input stream k for the current round.
// Past the end of the stream the stage receives the NoData sentinel.
func Input(k int) Source {
	return Source{kind: sourceInput, stream: k}
}

// Output declares a same-round read of another stage's output. Only combiners
// may declare Output sources: they run on the coordinator after the round
// barrier, so the value is available without ordering stages within the
// concurrent part of a round.
func Output(stage string) Source {
	return Source{kind: sourceOutput, stage: stage}
}

// Buffered declares a read of the named stage's single-slot delay buffer,
// i.e. the output it produced in the previous round. In the first round the
// buffer holds the NoData sentinel.
//
// A Buffered reference to the consuming stage itself, or to a stage that is
// not upstream of the consumer, closes a delay loop: the consumer then reads
// the referenced stage's value for the previous element index (an
// accumulator), which requires both stages to sit at the same pipeline depth.
//
// Upstream-ness follows the same-round topological order, which among stages
// without same-round edges is simply declaration order. Declare producers
// before their buffered consumers: the chain F, G(Buffered F), H(Buffered G)
// has latency 2, while the same stages declared H, G, F are read as a stack
// of delay loops with latency 0, emitting each stage's previous-index value
// (and the sentinel at index 0).
func Buffered(stage string) Source {
	return Source{kind: sourceBuffered, stage: stage}
}

func (s Source) String() string {
	switch s.kind {
	case sourceInput:
		return fmt.Sprintf("input(%d)", s.stream)
	case sourceOutput:
		return fmt.Sprintf("output(%s)", s.stage)
	default:
		return fmt.Sprintf("buffered(%s)", s.stage)
	}
}
