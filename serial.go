package pipeline

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// RunSerial evaluates the pipeline expression directly, without concurrency
// or buffering: for each element index the stages run in dependency order,
// round-delayed edges read the value for the same index, and delay loops read
// the value computed for the previous index (the sentinel for the first one).
// It is the reference Run is measured against and returns, element for
// element, exactly what Run returns.
//
// For errors reported by RunSerial the Round of a StageError is the element
// index.
func (p *Pipeline[T]) RunSerial(ctx context.Context, inputs ...[]T) ([]T, error) {
	if len(inputs) != p.streams {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrStreamCount, len(inputs), p.streams)
	}
	n := shortest(inputs)
	results := make([]T, 0, n)
	prev := lo.RepeatBy(len(p.stages), func(int) T { return p.noData })

	for i := 0; i < n; i++ {
		cur := make([]T, len(p.stages))
		for _, idx := range p.order {
			st := &p.stages[idx]
			in := lo.Map(st.sources, func(src compiledSource, _ int) T {
				switch {
				case src.kind == sourceInput:
					return inputs[src.stream][i]
				case src.feedback:
					return prev[src.stage]
				default:
					return cur[src.stage]
				}
			})
			v, err := st.fn(ctx, in...)
			if err != nil {
				return nil, &StageError{Round: i, Stage: st.name, Err: err}
			}
			cur[idx] = v
		}
		prev = cur
		results = append(results, cur[p.output])
	}
	return results, nil
}

// Verify runs the pipelined schedule and the serial reference concurrently on
// the same inputs and compares their outputs under eq. It returns the
// pipelined outputs, or ErrDiverged naming the first differing index.
func (p *Pipeline[T]) Verify(ctx context.Context, eq func(a, b T) bool, inputs ...[]T) ([]T, error) {
	var pipelined, serial []T
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pipelined, err = p.Run(gctx, inputs...)
		return err
	})
	g.Go(func() error {
		var err error
		serial, err = p.RunSerial(gctx, inputs...)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i := range pipelined {
		if !eq(pipelined[i], serial[i]) {
			return nil, fmt.Errorf("%w: index %d: %v != %v", ErrDiverged, i, pipelined[i], serial[i])
		}
	}
	return pipelined, nil
}
