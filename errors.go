package pipeline

import (
	"errors"
	"fmt"
)

// Configuration errors, reported by Build before any round executes. Several
// findings may be combined into one error.
var (
	ErrNoStages       = errors.New("pipeline has no stages")
	ErrDuplicateStage = errors.New("duplicate stage name")
	ErrUnknownStage   = errors.New("unknown stage")
	ErrUnknownStream  = errors.New("input stream out of range")
	ErrNoOutput       = errors.New("no output stage designated")
	ErrSameRoundCycle = errors.New("same-round dependency cycle")
	ErrSameRoundRead  = errors.New("concurrent stage reads a same-round output")
	ErrSkewedInputs   = errors.New("inputs sit at different pipeline depths")
)

// Run-time errors.
var (
	// ErrStreamCount is returned by Run when the number of supplied input
	// streams does not match the pipeline declaration.
	ErrStreamCount = errors.New("wrong number of input streams")

	// ErrRoundTimeout is returned when a round's stage tasks do not all
	// complete within the configured round timeout.
	ErrRoundTimeout = errors.New("round deadline exceeded")

	// ErrDiverged is returned by Verify when the pipelined schedule and the
	// serial reference disagree. It indicates a bug, not a bad input.
	ErrDiverged = errors.New("pipelined output diverges from serial reference")
)

// StageError reports a stage function failure. The run is aborted as soon as
// the failing round completes; there are no retries and no partial results.
type StageError struct {
	Round int
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed in round %d: %v", e.Stage, e.Round, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
