package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	pipeline "github.com/Hvass-Labs/Parallel-Pipelines"
	"github.com/go-logr/logr/funcr"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Indicates there is no data to process.
const noData = "--"

var (
	flagN       int
	flagCost    time.Duration
	flagPool    int
	flagVerbose bool
	flagVerify  bool
)

func main() {
	root := &cobra.Command{
		Use:   "parpipes",
		Short: "software-pipelining demos, serial vs pipelined",
		Long: `parpipes runs small demo pipelines of dummy processing functions twice:
serially, and as a software pipeline where every round executes all stages
concurrently and buffers carry results into the next round. With k costly
stages the pipelined run approaches a k-fold speedup once the pipeline is
warm.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVarP(&flagN, "elements", "n", 10, "number of input elements per stream")
	root.PersistentFlags().DurationVar(&flagCost, "cost", 100*time.Millisecond, "simulated cost of each processing function")
	root.PersistentFlags().IntVar(&flagPool, "pool", 3, "stage worker pool size, 0 runs every stage task on its own goroutine")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "per-round diagnostics on stderr")
	root.PersistentFlags().BoolVar(&flagVerify, "verify", false, "compare the pipelined output against the serial reference")

	root.AddCommand(chainCmd(), reuseCmd(), diamondCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func chainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain",
		Short: "y[i] = H(G(F(x[i]))) - three-stage chain, latency 2",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := pipeline.New(1, noData).
				Stage("F", stage("F"), pipeline.Input(0)).
				Stage("G", stage("G"), pipeline.Buffered("F")).
				Stage("H", stage("H"), pipeline.Buffered("G")).
				Output("H")
			return runDemo(cmd.Context(), b, genVec(flagN, "x"))
		},
	}
}

func reuseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reuse",
		Short: "y[i] = F(x[i]) + G(F(x[i])) - F's output used twice, latency 1",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := pipeline.New(1, noData).
				Stage("F", stage("F"), pipeline.Input(0)).
				Stage("G", stage("G"), pipeline.Buffered("F")).
				Combine("Y", sum, pipeline.Buffered("F"), pipeline.Output("G")).
				Output("Y")
			return runDemo(cmd.Context(), b, genVec(flagN, "x"))
		},
	}
}

func diamondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diamond",
		Short: "y[i] = H(F(x[i]) + G(z[i])) - two streams joined, latency 1",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := pipeline.New(2, noData).
				Stage("F", stage("F"), pipeline.Input(0)).
				Stage("G", stage("G"), pipeline.Input(1)).
				Combine("S", sum, pipeline.Output("F"), pipeline.Output("G")).
				Stage("H", stage("H"), pipeline.Buffered("S")).
				Output("H")
			return runDemo(cmd.Context(), b, genVec(flagN, "x"), genVec(flagN, "z"))
		},
	}
}

// stage builds a dummy processing function that wraps its input in its own
// name after simulating heavy processing.
func stage(name string) pipeline.Func[string] {
	return func(ctx context.Context, in ...string) (string, error) {
		select {
		case <-time.After(flagCost):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return name + "(" + in[0] + ")", nil
	}
}

// sum joins its inputs. Assumed almost free, so it runs as a combiner on the
// coordinator.
var sum = pipeline.Pure(func(in ...string) string {
	return strings.Join(in, " + ")
})

// genVec generates the input vector prefix_0 .. prefix_{n-1}.
func genVec(n int, prefix string) []string {
	return lo.Map(lo.Range(n), func(i, _ int) string {
		return fmt.Sprintf("%s_%d", prefix, i)
	})
}

// runDemo builds the declared pipeline and runs it twice on the same inputs:
// the serial reference first, then the pipelined schedule, printing one line
// per step and the elapsed time of each run.
func runDemo(ctx context.Context, b *pipeline.Builder[string], inputs ...[]string) error {
	var p *pipeline.Pipeline[string]
	opts := []pipeline.Option[string]{
		pipeline.WithPool[string](flagPool),
		pipeline.WithObserver[string](func(ev pipeline.RoundEvent[string]) {
			cells := lo.Map(ev.Values, func(v string, i int) string {
				return p.StageNames()[i] + ": " + v
			})
			fmt.Printf("Round %d:  %s\n", ev.Round, strings.Join(cells, "  "))
		}),
	}
	if flagVerbose {
		opts = append(opts, pipeline.WithLogr[string](funcr.New(func(_, args string) {
			fmt.Fprintln(os.Stderr, args)
		}, funcr.Options{Verbosity: 1})))
	}

	p, err := b.Build(opts...)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Println("Serial:")
	start := time.Now()
	serial, err := p.RunSerial(ctx, inputs...)
	if err != nil {
		return err
	}
	for i, y := range serial {
		fmt.Printf("Step %d:  %s\n", i, y)
	}
	fmt.Printf("Elapsed time: %s\n\n", time.Since(start))

	fmt.Printf("Pipelined (latency %d):\n", p.Latency())
	start = time.Now()
	out, err := p.Run(ctx, inputs...)
	if err != nil {
		return err
	}
	for i, y := range out {
		fmt.Printf("Step %d:  %s\n", i, y)
	}
	fmt.Printf("Elapsed time: %s\n", time.Since(start))

	if flagVerify {
		if _, err := p.Verify(ctx, func(a, b string) bool { return a == b }, inputs...); err != nil {
			return err
		}
		fmt.Println("verified: pipelined output matches the serial reference")
	}
	return nil
}
