package hardware

import (
	"math"
	"sync/atomic"
	"time"
)

// DefaultBenchmarkIterations is the workload size used when none is configured.
const DefaultBenchmarkIterations = 1_000_000

// minElapsed keeps timings strictly positive on hosts with a coarse clock.
const minElapsed = time.Microsecond

// sink receives the benchmark result so the compiler cannot drop the loop.
var sink atomic.Uint64

// RunBenchmark times a fixed numeric workload of sqrt and trig operations.
// The result is a coarse signal; it moves with host load.
func RunBenchmark(iterations int) time.Duration {
	if iterations <= 0 {
		iterations = DefaultBenchmarkIterations
	}

	start := time.Now()
	var acc float64
	for i := 1; i <= iterations; i++ {
		x := float64(i)
		acc += math.Sqrt(x) * math.Sin(x) / (1 + math.Abs(math.Cos(x)))
	}
	elapsed := time.Since(start)
	sink.Store(math.Float64bits(acc))

	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	return elapsed
}
