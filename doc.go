/*
pipeline runs a chain (or small DAG) of processing stages as a software
pipeline: one round per input element, all stages of a round executed
concurrently, a barrier between rounds, and single-slot delay buffers carrying
each stage's output into the next round.

A pipeline is declared as a list of stages. Each stage reads from external
input streams ("the current element"), from the buffered output another stage
produced in the previous round, or - for cheap combining steps evaluated on
the coordinator after the round barrier - from outputs of the current round.

For instance, the classic three-stage chain

	y[i] = H(G(F(x[i])))

is declared as F reading stream 0, G reading the buffer of F, and H reading
the buffer of G. Every round launches F, G and H concurrently: F works on
x[i] while G works on F's output for x[i-1] and H on G's output for x[i-2].
The pipeline therefore needs N+2 rounds for N elements; the first two rounds
only fill the buffers and their candidate outputs are discarded.

The number of fill (and drain) rounds is the pipeline's latency: the longest
chain of round-delayed edges between an external input and the designated
output stage. It is computed once at build time, together with validation of
the stage graph: same-round cycles are rejected, as are joins whose inputs
would combine values belonging to different element indices.

The concurrent schedule produces exactly the sequence the straightforward
serial evaluation of the same expression produces; RunSerial implements that
serial evaluation and Verify runs both and compares them.

Stage tasks can run on a shared bounded goroutine pool, a round can carry a
deadline, and per-round diagnostics are available through an observer hook
and a logr.Logger.
*/

package pipeline
