package benchmark

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	pipeline "github.com/Hvass-Labs/Parallel-Pipelines"
	"github.com/samber/lo"
)

// Profile runs the three-stage chain pipeline on n elements with the given
// simulated per-stage cost and writes a CPU profile of the pipelined run as
// pipeline_{date}_n{n}_{cost}.prof, then runs the serial reference for
// comparison.
//
// With three stages of cost c, the serial run takes about 3*n*c while the
// pipelined run takes about (n+2)*c.
//
// use pprof to read the file (go install github.com/google/pprof@latest).
func Profile(n int, cost time.Duration, poolSize int) {
	// Profile file
	f, err := os.Create(fmt.Sprintf("pipeline_%s_n%d_%s.prof",
		strings.ReplaceAll(time.Now().Truncate(time.Second).Format(time.DateTime), " ", "-"),
		n,
		cost))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	stage := func(name string) pipeline.Func[string] {
		return func(_ context.Context, in ...string) (string, error) {
			time.Sleep(cost)
			return name + "(" + in[0] + ")", nil
		}
	}

	p, err := pipeline.New(1, "--").
		Stage("F", stage("F"), pipeline.Input(0)).
		Stage("G", stage("G"), pipeline.Buffered("F")).
		Stage("H", stage("H"), pipeline.Buffered("G")).
		Output("H").
		Build(pipeline.WithPool[string](poolSize))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer p.Close()

	x := lo.Map(lo.Range(n), func(i, _ int) string { return fmt.Sprintf("x_%d", i) })
	ctx := context.Background()

	fmt.Printf("elements: %d, minimal pipelined duration: %s\n", n, time.Duration(n+p.Latency())*cost)

	// Start profiling
	func() {
		_ = pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()

		start := time.Now()
		if _, err := p.Run(ctx, x); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Printf("(pipelined: %s)\n", time.Since(start))
	}()

	start := time.Now()
	if _, err := p.RunSerial(ctx, x); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Printf("(serial: %s)\n", time.Since(start))
	fmt.Printf("profile:%s\n", f.Name())

	// Call pprof on a file
	// pprof -http=:8080 $file
}
