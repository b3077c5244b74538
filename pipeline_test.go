package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	pipeline "github.com/Hvass-Labs/Parallel-Pipelines"
	"github.com/maxatome/go-testdeep/td"
	"github.com/samber/lo"
)

const noData = "--"

// wrap builds a toy stage function producing "name(input)".
func wrap(name string) pipeline.Func[string] {
	return pipeline.Pure(func(in ...string) string {
		return name + "(" + in[0] + ")"
	})
}

// sum joins all inputs with " + ". Cheap, so used as a combiner.
var sum = pipeline.Pure(func(in ...string) string {
	return strings.Join(in, " + ")
})

// vec generates the input vector x_0 .. x_{n-1} for a prefix.
func vec(n int, prefix string) []string {
	return lo.Map(lo.Range(n), func(i, _ int) string {
		return fmt.Sprintf("%s_%d", prefix, i)
	})
}

// chain3 declares y[i] = H(G(F(x[i]))), the three-stage strict chain.
func chain3(t testing.TB, opts ...pipeline.Option[string]) *pipeline.Pipeline[string] {
	p, err := pipeline.New(1, noData).
		Stage("F", wrap("F"), pipeline.Input(0)).
		Stage("G", wrap("G"), pipeline.Buffered("F")).
		Stage("H", wrap("H"), pipeline.Buffered("G")).
		Output("H").
		Build(opts...)
	td.Require(t).CmpNoError(err)
	t.Cleanup(p.Close)
	return p
}

// diamond declares y[i] = H(F(x[i]) + G(z[i])), two streams joined by a
// combiner feeding H through a delay buffer.
func diamond(t testing.TB, opts ...pipeline.Option[string]) *pipeline.Pipeline[string] {
	p, err := pipeline.New(2, noData).
		Stage("F", wrap("F"), pipeline.Input(0)).
		Stage("G", wrap("G"), pipeline.Input(1)).
		Combine("S", sum, pipeline.Output("F"), pipeline.Output("G")).
		Stage("H", wrap("H"), pipeline.Buffered("S")).
		Output("H").
		Build(opts...)
	td.Require(t).CmpNoError(err)
	t.Cleanup(p.Close)
	return p
}

// reuse declares y[i] = F(x[i]) + G(F(x[i])): F's output is consumed both by
// G and, one round later, by the combiner that aligns it with G's output.
func reuse(t testing.TB, opts ...pipeline.Option[string]) *pipeline.Pipeline[string] {
	p, err := pipeline.New(1, noData).
		Stage("F", wrap("F"), pipeline.Input(0)).
		Stage("G", wrap("G"), pipeline.Buffered("F")).
		Combine("Y", sum, pipeline.Buffered("F"), pipeline.Output("G")).
		Output("Y").
		Build(opts...)
	td.Require(t).CmpNoError(err)
	t.Cleanup(p.Close)
	return p
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("success_chain", func(t *testing.T) {
		// Arrange
		rounds := 0
		p := chain3(t, pipeline.WithObserver[string](func(pipeline.RoundEvent[string]) { rounds++ }))
		x := vec(10, "x")

		// Act
		got, err := p.Run(ctx, x)

		// Assert
		td.CmpNoError(t, err)
		td.Cmp(t, got, lo.Map(x, func(v string, _ int) string {
			return "H(G(F(" + v + ")))"
		}))
		td.Cmp(t, rounds, 12, "10 elements + latency 2")
		td.Cmp(t, p.Latency(), 2)
	})

	t.Run("success_diamond", func(t *testing.T) {
		// Arrange
		rounds := 0
		p := diamond(t, pipeline.WithObserver[string](func(pipeline.RoundEvent[string]) { rounds++ }))
		x, z := vec(10, "x"), vec(10, "z")

		// Act
		got, err := p.Run(ctx, x, z)

		// Assert
		td.CmpNoError(t, err)
		td.Cmp(t, got, lo.Map(x, func(v string, i int) string {
			return "H(F(" + v + ") + G(" + z[i] + "))"
		}))
		td.Cmp(t, rounds, 11, "10 elements + latency 1")
		td.Cmp(t, p.Latency(), 1)
	})

	t.Run("success_reuse", func(t *testing.T) {
		// Arrange
		p := reuse(t)
		x := vec(10, "x")

		// Act
		got, err := p.Run(ctx, x)

		// Assert
		td.CmpNoError(t, err)
		td.Cmp(t, got, lo.Map(x, func(v string, _ int) string {
			return "F(" + v + ") + G(F(" + v + "))"
		}))
		td.Cmp(t, p.Latency(), 1)
	})

	t.Run("success_no_sentinel_in_results", func(t *testing.T) {
		// Arrange
		p := chain3(t)

		// Act
		got, err := p.Run(ctx, vec(10, "x"))

		// Assert
		td.CmpNoError(t, err)
		for i, v := range got {
			td.CmpNot(t, v, td.Contains(noData), "result %d must not carry fill-round garbage", i)
		}
	})

	t.Run("success_shortest_stream_wins", func(t *testing.T) {
		// Arrange
		p := diamond(t)
		x, z := vec(10, "x"), vec(7, "z")

		// Act
		got, err := p.Run(ctx, x, z)

		// Assert
		td.CmpNoError(t, err)
		td.CmpLen(t, got, 7)
		td.Cmp(t, got[6], "H(F(x_6) + G(z_6))")
	})

	t.Run("success_with_pool", func(t *testing.T) {
		// Arrange
		p := chain3(t, pipeline.WithPool[string](2))
		td.Require(t).NotNil(p.Pool())
		x := vec(10, "x")

		// Act
		got, err := p.Run(ctx, x)

		// Assert
		td.CmpNoError(t, err)
		td.Cmp(t, got[9], "H(G(F(x_9)))")
	})

	t.Run("success_observer_sees_every_stage", func(t *testing.T) {
		// Arrange
		var events []pipeline.RoundEvent[string]
		p := chain3(t, pipeline.WithObserver[string](func(ev pipeline.RoundEvent[string]) {
			events = append(events, ev)
		}))

		// Act
		_, err := p.Run(ctx, vec(3, "x"))

		// Assert
		td.CmpNoError(t, err)
		td.CmpLen(t, events, 5)
		td.Cmp(t, lo.Map(events, func(ev pipeline.RoundEvent[string], _ int) int { return ev.Round }), lo.Range(5))
		td.Cmp(t, events[0].Values, []string{"F(x_0)", "G(--)", "H(--)"})
		td.Cmp(t, p.StageNames(), []string{"F", "G", "H"})
	})

	t.Run("success_rerun_is_identical", func(t *testing.T) {
		// Arrange
		p := chain3(t)
		x := vec(5, "x")

		// Act
		first, err1 := p.Run(ctx, x)
		second, err2 := p.Run(ctx, x)

		// Assert
		td.CmpNoError(t, err1)
		td.CmpNoError(t, err2)
		td.Cmp(t, second, first)
	})

	t.Run("success_empty_input", func(t *testing.T) {
		// Arrange
		p := chain3(t)

		// Act
		got, err := p.Run(ctx)
		td.CmpErrorIs(t, err, pipeline.ErrStreamCount)

		got, err = p.Run(ctx, nil)

		// Assert
		td.CmpNoError(t, err)
		td.CmpLen(t, got, 0)
	})

	t.Run("error_stage_failure_is_fatal", func(t *testing.T) {
		// Arrange
		boom := errors.New("boom")
		fail := func(_ context.Context, in ...string) (string, error) {
			if in[0] == "x_3" {
				return "", boom
			}
			return "F(" + in[0] + ")", nil
		}
		p, err := pipeline.New(1, noData).
			Stage("F", fail, pipeline.Input(0)).
			Stage("G", wrap("G"), pipeline.Buffered("F")).
			Output("G").
			Build()
		td.Require(t).CmpNoError(err)

		// Act
		got, err := p.Run(ctx, vec(10, "x"))

		// Assert
		td.CmpNil(t, got, "no partial results")
		td.CmpErrorIs(t, err, boom)
		var stageErr *pipeline.StageError
		td.Require(t).Cmp(errors.As(err, &stageErr), true)
		td.Cmp(t, stageErr.Stage, "F")
		td.Cmp(t, stageErr.Round, 3)
	})

	t.Run("error_round_timeout", func(t *testing.T) {
		// Arrange
		// Deliberately ignores the context: the barrier must give up on its
		// own, not rely on cooperative stages.
		slow := func(_ context.Context, in ...string) (string, error) {
			time.Sleep(300 * time.Millisecond)
			return in[0], nil
		}
		p, err := pipeline.New(1, noData).
			Stage("F", slow, pipeline.Input(0)).
			Output("F").
			Build(pipeline.WithRoundTimeout[string](20 * time.Millisecond))
		td.Require(t).CmpNoError(err)

		// Act
		_, err = p.Run(ctx, vec(3, "x"))

		// Assert
		td.CmpErrorIs(t, err, pipeline.ErrRoundTimeout)
	})

	t.Run("error_round_timeout_saturated_pool", func(t *testing.T) {
		// Arrange: a single-worker pool held by a stage that outlives the
		// deadline, so the second stage's task cannot even be submitted. The
		// deadline must still fire.
		hang := func(_ context.Context, in ...string) (string, error) {
			time.Sleep(2 * time.Second)
			return in[0], nil
		}
		p, err := pipeline.New(1, noData).
			Stage("A", hang, pipeline.Input(0)).
			Stage("B", wrap("B"), pipeline.Input(0)).
			Output("B").
			Build(
				pipeline.WithPool[string](1),
				pipeline.WithRoundTimeout[string](20*time.Millisecond),
			)
		td.Require(t).CmpNoError(err)
		t.Cleanup(p.Close)
		start := time.Now()

		// Act
		_, err = p.Run(ctx, vec(3, "x"))

		// Assert
		td.CmpErrorIs(t, err, pipeline.ErrRoundTimeout)
		td.Cmp(t, time.Since(start) < time.Second, true,
			"the run must fail while submission is still blocked")
	})

	t.Run("error_canceled_context", func(t *testing.T) {
		// Arrange
		slow := func(ctx context.Context, in ...string) (string, error) {
			select {
			case <-time.After(time.Second):
				return in[0], nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		p, err := pipeline.New(1, noData).
			Stage("F", slow, pipeline.Input(0)).
			Output("F").
			Build()
		td.Require(t).CmpNoError(err)
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		// Act
		_, err = p.Run(cctx, vec(3, "x"))

		// Assert
		td.CmpErrorIs(t, err, context.Canceled)
	})
}
