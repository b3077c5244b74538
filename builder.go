package pipeline

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

type stageSpec[T any] struct {
	name     string
	fn       Func[T]
	sources  []Source
	combiner bool
}

// Builder accumulates a pipeline declaration: the number of external input
// streams, the NoData sentinel, the stages and the designated output stage.
// Building the same declaration twice yields pipelines with identical
// behavior.
type Builder[T any] struct {
	streams int
	noData  T
	stages  []stageSpec[T]
	output  string
	hasOut  bool
}

// New starts a declaration of a pipeline reading the given number of external
// input streams. noData is the sentinel supplied wherever no real value
// exists yet: beyond the end of an input stream, and in every buffer before
// its first write.
func New[T any](streams int, noData T) *Builder[T] {
	return &Builder[T]{streams: streams, noData: noData}
}

// Stage appends a concurrent stage. It runs as one task of every round's
// fork/join and may read external inputs and buffered values only.
func (b *Builder[T]) Stage(name string, fn Func[T], sources ...Source) *Builder[T] {
	b.stages = append(b.stages, stageSpec[T]{name: name, fn: fn, sources: sources})
	return b
}

// Combine appends a near-free combining stage, evaluated on the coordinator
// after the round barrier. Combiners are the only stages allowed to read
// same-round Outputs of other stages.
func (b *Builder[T]) Combine(name string, fn Func[T], sources ...Source) *Builder[T] {
	b.stages = append(b.stages, stageSpec[T]{name: name, fn: fn, sources: sources, combiner: true})
	return b
}

// Output designates the stage whose per-round value is emitted as the
// pipeline result.
func (b *Builder[T]) Output(name string) *Builder[T] {
	b.output = name
	b.hasOut = true
	return b
}

// Build validates the declaration and compiles it into an immutable Pipeline.
// All validation findings are reported together; no round ever executes on an
// invalid graph.
func (b *Builder[T]) Build(opts ...Option[T]) (*Pipeline[T], error) {
	var errs []error

	if len(b.stages) == 0 {
		errs = append(errs, ErrNoStages)
	}

	index := map[string]int{}
	for i, spec := range b.stages {
		if _, dup := index[spec.name]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateStage, spec.name))
			continue
		}
		index[spec.name] = i
	}

	// Resolve declared sources to stage and stream indices.
	stages := lo.Map(b.stages, func(spec stageSpec[T], _ int) compiledStage[T] {
		return compiledStage[T]{
			name:     spec.name,
			fn:       spec.fn,
			combiner: spec.combiner,
			sources: lo.Map(spec.sources, func(src Source, _ int) compiledSource {
				c := compiledSource{kind: src.kind, stream: src.stream, stage: -1}
				switch src.kind {
				case sourceInput:
					if src.stream < 0 || src.stream >= b.streams {
						errs = append(errs, fmt.Errorf("%w: stage %s reads %s of %d", ErrUnknownStream, spec.name, src, b.streams))
					}
				default:
					j, ok := index[src.stage]
					if !ok {
						errs = append(errs, fmt.Errorf("%w: stage %s reads %s", ErrUnknownStage, spec.name, src))
						break
					}
					c.stage = j
					if src.kind == sourceOutput && !spec.combiner {
						errs = append(errs, fmt.Errorf("%w: stage %s reads %s", ErrSameRoundRead, spec.name, src))
					}
				}
				return c
			}),
		}
	})

	output := -1
	switch {
	case !b.hasOut:
		errs = append(errs, ErrNoOutput)
	default:
		j, ok := index[b.output]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: output %s", ErrUnknownStage, b.output))
			break
		}
		output = j
	}

	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}

	order, err := topoOrder(stages)
	if err != nil {
		return nil, err
	}
	pos := make([]int, len(stages))
	for at, i := range order {
		pos[i] = at
	}

	// A buffered read of a stage that is not upstream of its consumer closes
	// a delay loop; such edges are excluded from depth propagation.
	for i := range stages {
		for s := range stages[i].sources {
			src := &stages[i].sources[s]
			if src.kind == sourceBuffered && pos[src.stage] >= pos[i] {
				src.feedback = true
			}
		}
	}

	depths := computeDepths(stages, order, func(stage string, src int) {
		errs = append(errs, fmt.Errorf("%w: stage %s reads %s", ErrSkewedInputs, stage, b.stages[index[stage]].sources[src]))
	})
	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}

	p := &Pipeline[T]{
		stages:  stages,
		order:   order,
		workers: lo.Filter(lo.Range(len(stages)), func(i, _ int) bool { return !stages[i].combiner }),
		combineOrder: lo.Filter(order, func(i, _ int) bool {
			return stages[i].combiner
		}),
		output:  output,
		depths:  depths,
		latency: depths[output],
		streams: b.streams,
		noData:  b.noData,
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.poolSize > 0 {
		pool, err := ants.NewPool(p.poolSize)
		if err != nil {
			return nil, err
		}
		p.pool = pool
	}
	return p, nil
}

// topoOrder orders stages so every same-round edge points from an earlier to
// a later position. A cycle among same-round edges cannot be scheduled within
// one round and is a configuration error.
func topoOrder[T any](stages []compiledStage[T]) ([]int, error) {
	const (
		white = iota // unvisited
		grey         // on the traversal stack
		black        // done
	)
	state := make([]int, len(stages))
	order := make([]int, 0, len(stages))

	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		state[i] = grey
		path = append(path, stages[i].name)
		for _, src := range stages[i].sources {
			if src.kind != sourceOutput {
				continue
			}
			switch state[src.stage] {
			case grey:
				cycle := append(path, stages[src.stage].name)
				return fmt.Errorf("%w: %s", ErrSameRoundCycle, strings.Join(cycle, " <- "))
			case white:
				if err := visit(src.stage, path); err != nil {
					return err
				}
			}
		}
		state[i] = black
		order = append(order, i)
		return nil
	}

	for i := range stages {
		if state[i] == white {
			if err := visit(i, nil); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// computeDepths assigns every stage its pipeline depth: the number of
// round-delayed edges between an external input and the stage. All inputs of
// a stage must agree on that depth, otherwise a join would combine values
// belonging to different element indices; skew reports each disagreeing
// source. Delay-loop edges do not extend depth but must connect stages of
// equal depth.
func computeDepths[T any](stages []compiledStage[T], order []int, skew func(stage string, src int)) []int {
	depths := make([]int, len(stages))
	for _, i := range order {
		st := &stages[i]
		d := -1
		for s, src := range st.sources {
			if src.feedback {
				continue
			}
			var c int
			switch src.kind {
			case sourceInput:
				c = 0
			case sourceOutput:
				c = depths[src.stage]
			case sourceBuffered:
				c = depths[src.stage] + 1
			}
			if d < 0 {
				d = c
				continue
			}
			if c != d {
				skew(st.name, s)
			}
		}
		if d > 0 {
			depths[i] = d
		}
	}
	for _, i := range order {
		for s, src := range stages[i].sources {
			if src.feedback && depths[src.stage] != depths[i] {
				skew(stages[i].name, s)
			}
		}
	}
	return depths
}
