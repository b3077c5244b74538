package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

type compiledSource struct {
	kind     sourceKind
	stream   int
	stage    int
	feedback bool
}

type compiledStage[T any] struct {
	name     string
	fn       Func[T]
	sources  []compiledSource
	combiner bool
}

// Pipeline is a validated, immutable stage graph ready to run. It may be run
// any number of times; concurrent Runs do not share state beyond the worker
// pool.
type Pipeline[T any] struct {
	stages       []compiledStage[T]
	order        []int // same-round topological order over all stages
	combineOrder []int // order restricted to combiners
	workers      []int // concurrent stages, declaration order
	output       int
	depths       []int
	latency      int
	streams      int
	noData       T

	poolSize int
	pool     *ants.Pool
	timeout  time.Duration
	log      logr.Logger
	observer Observer[T]
}

// Option configures a Pipeline at build time.
type Option[T any] func(*Pipeline[T])

// WithPool runs stage tasks on a shared bounded goroutine pool of the given
// size instead of one fresh goroutine per task. A size at or below the stage
// count serializes part of each round.
func WithPool[T any](size int) Option[T] {
	return func(p *Pipeline[T]) { p.poolSize = size }
}

// WithRoundTimeout sets a deadline for every round. A round whose stage tasks
// have not all completed within d fails the whole run with ErrRoundTimeout.
// The deadline is also carried by the context handed to the stage functions.
func WithRoundTimeout[T any](d time.Duration) Option[T] {
	return func(p *Pipeline[T]) { p.timeout = d }
}

// WithLogr sets the logger for per-round diagnostics. Defaults to
// logr.Discard.
func WithLogr[T any](log logr.Logger) Option[T] {
	return func(p *Pipeline[T]) { p.log = log }
}

// WithObserver subscribes fn to per-round diagnostic events. It is called
// synchronously between rounds and must not be used to affect results.
func WithObserver[T any](fn Observer[T]) Option[T] {
	return func(p *Pipeline[T]) { p.observer = fn }
}

// Latency returns the number of fill rounds before the first result, equal
// to the number of drain rounds after the last real input.
func (p *Pipeline[T]) Latency() int { return p.latency }

// StageNames returns the stage names in declaration order, matching the
// Values slice of a RoundEvent.
func (p *Pipeline[T]) StageNames() []string {
	return lo.Map(p.stages, func(st compiledStage[T], _ int) string { return st.name })
}

// Close releases the worker pool, if any. A closed pipeline can still run;
// stage tasks then fall back to plain goroutines.
func (p *Pipeline[T]) Close() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// Run executes the pipelined schedule: one round per element of the shortest
// input stream, plus Latency drain rounds. Each round forks one task per
// concurrent stage, joins them at a barrier, evaluates the combiners, shifts
// every stage's output into its delay buffer, and - once past the fill rounds
// - emits the output stage's value.
//
// The returned slice has exactly one entry per element of the shortest input
// stream, in input order, and equals the serial evaluation of the pipeline
// expression on those elements. Any stage failure, round timeout or context
// cancellation aborts the run with no partial results.
func (p *Pipeline[T]) Run(ctx context.Context, inputs ...[]T) ([]T, error) {
	if len(inputs) != p.streams {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrStreamCount, len(inputs), p.streams)
	}
	n := shortest(inputs)
	results := make([]T, 0, n)
	buffers := lo.RepeatBy(len(p.stages), func(int) T { return p.noData })

	for r := 0; r < n+p.latency; r++ {
		start := time.Now()
		outs, err := p.runRound(ctx, r, inputs, buffers)
		if err != nil {
			return nil, err
		}
		buffers = outs

		elapsed := time.Since(start)
		p.log.V(1).Info("round complete", "round", r, "elapsed", elapsed)
		if p.observer != nil {
			p.observer(RoundEvent[T]{Round: r, Values: slices.Clone(outs), Elapsed: elapsed})
		}
		if r >= p.latency {
			results = append(results, outs[p.output])
		}
	}
	return results, nil
}

// runRound resolves every concurrent stage's inputs from the externals and
// the previous round's buffers, forks the stage tasks, waits at the barrier,
// then evaluates the combiners. Inputs are resolved before the fork, so no
// task ever observes a partially updated buffer.
func (p *Pipeline[T]) runRound(ctx context.Context, round int, inputs [][]T, buffers []T) ([]T, error) {
	rctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	outs := make([]T, len(p.stages))
	errs := make([]error, len(p.stages))

	// Forking happens off the coordinator: submitting to a full pool blocks,
	// and the round deadline must be able to expire even then.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, i := range p.workers {
			i := i
			in := p.resolve(&p.stages[i], round, inputs, buffers, nil)
			wg.Add(1)
			p.submit(func() {
				defer wg.Done()
				outs[i], errs[i] = p.stages[i].fn(rctx, in...)
			})
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-rctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: round %d not done within %s", ErrRoundTimeout, round, p.timeout)
	}

	if err := p.roundErr(round, errs); err != nil {
		return nil, err
	}

	for _, i := range p.combineOrder {
		st := &p.stages[i]
		v, err := st.fn(rctx, p.resolve(st, round, inputs, buffers, outs)...)
		if err != nil {
			return nil, &StageError{Round: round, Stage: st.name, Err: err}
		}
		outs[i] = v
	}
	return outs, nil
}

// resolve materializes a stage's declared sources for this round. outs is nil
// for concurrent stages, which never read same-round outputs.
func (p *Pipeline[T]) resolve(st *compiledStage[T], round int, inputs [][]T, buffers, outs []T) []T {
	return lo.Map(st.sources, func(src compiledSource, _ int) T {
		switch src.kind {
		case sourceInput:
			if stream := inputs[src.stream]; round < len(stream) {
				return stream[round]
			}
			return p.noData
		case sourceOutput:
			return outs[src.stage]
		default:
			return buffers[src.stage]
		}
	})
}

// submit hands a stage task to the shared pool, or to a fresh goroutine when
// no pool is configured. A released pool falls back to a goroutine rather
// than dropping the task.
func (p *Pipeline[T]) submit(task func()) {
	if p.pool == nil {
		go task()
		return
	}
	if err := p.pool.Submit(task); err != nil {
		go task()
	}
}

// roundErr combines the stage failures of a round, attributing each to its
// stage.
func (p *Pipeline[T]) roundErr(round int, errs []error) error {
	return multierr.Combine(lo.FilterMap(errs, func(err error, i int) (error, bool) {
		if err == nil {
			return nil, false
		}
		return &StageError{Round: round, Stage: p.stages[i].name, Err: err}, true
	})...)
}

func shortest[T any](inputs [][]T) int {
	if len(inputs) == 0 {
		return 0
	}
	return lo.Min(lo.Map(inputs, func(stream []T, _ int) int { return len(stream) }))
}
