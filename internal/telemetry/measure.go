package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/pbnjay/memory"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cptspacemanspiff/device-telemetry/internal/hardware"
)

const (
	// The load probe is a much smaller run of the benchmark workload timed
	// against a fixed expectation.
	loadProbeIterations = 20_000
	loadProbeBaseline   = time.Millisecond

	allocObjects   = 10_000
	allocObjectLen = 64
	allocBaseline  = 2 * time.Millisecond
)

// probes are the raw measurements a pass is assembled from. Tests replace
// them to control timings.
type probes struct {
	benchmark     func(iterations int) time.Duration
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	allocate      func() time.Duration
	heapInUse     func() uint64
	totalMemory   func() uint64
	render        func(frames int) time.Duration
	gpuBusy       func() (float64, bool)
	transfer      func(size int) time.Duration
	handoff       func() time.Duration
}

func systemProbes(sysRoot string) probes {
	return probes{
		benchmark:     hardware.RunBenchmark,
		virtualMemory: mem.VirtualMemoryWithContext,
		allocate:      timeAllocation,
		heapInUse: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapInuse
		},
		totalMemory: memory.TotalMemory,
		render:      renderArcs,
		gpuBusy:     func() (float64, bool) { return hardware.ReadGPUBusyPercent(sysRoot) },
		transfer:    pipeTransfer,
		handoff:     goroutineHandoff,
	}
}

// cpuUsageFromTimings scores a live benchmark run against the baseline, then
// scales by the load factor of the small probe. A live run at half the
// baseline speed with an uncontended probe reports 50.
func cpuUsageFromTimings(baseline, elapsed, probeElapsed, probeBaseline time.Duration) float64 {
	if baseline <= 0 || elapsed <= 0 || probeBaseline <= 0 {
		return 0
	}
	ratio := float64(baseline) / float64(elapsed)
	raw := clampPercent(ratio * 100)
	load := min(1, float64(probeElapsed)/float64(probeBaseline))
	return clampPercent(raw * load)
}

func (s *Sampler) measureCPU() (float64, Source) {
	elapsed := s.probes.benchmark(s.iterations)
	probeElapsed := s.probes.benchmark(loadProbeIterations)
	return cpuUsageFromTimings(s.cpuBaseline(), elapsed, probeElapsed, loadProbeBaseline), SourceEstimated
}

// measureMemory prefers the system memory counters and falls back to
// timing bulk allocation.
func (s *Sampler) measureMemory(ctx context.Context) (float64, Source) {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	vm, err := s.probes.virtualMemory(ctx)
	if err == nil && vm != nil && vm.Total > 0 {
		return clampPercent(vm.UsedPercent), SourceMeasured
	}
	s.log.Debug("memory counters unavailable, timing allocation", "err", err)
	return memoryPressureFromTiming(s.probes.allocate(), allocBaseline), SourceEstimated
}

// usedMemoryMB converts a memory usage percentage to megabytes of the host
// total. Without a total it reports the heap in use by this process.
func (s *Sampler) usedMemoryMB(usage float64) float64 {
	totalMB := s.totalMemoryMB
	if totalMB <= 0 {
		totalMB = float64(s.probes.totalMemory()) / (1 << 20)
	}
	if totalMB <= 0 {
		return float64(s.probes.heapInUse()) / (1 << 20)
	}
	return usage / 100 * totalMB
}

// memoryPressureFromTiming maps an allocation run at the baseline speed to
// 50, and twice as slow to 100.
func memoryPressureFromTiming(elapsed, baseline time.Duration) float64 {
	if baseline <= 0 {
		return 0
	}
	return clampPercent(float64(elapsed) / float64(baseline) * 50)
}

func timeAllocation() time.Duration {
	start := time.Now()
	objs := make([][]byte, allocObjects)
	for i := range objs {
		objs[i] = make([]byte, allocObjectLen)
	}
	elapsed := time.Since(start)
	runtime.KeepAlive(objs)
	return elapsed
}

func goroutineHandoff() time.Duration {
	start := time.Now()
	done := make(chan struct{})
	go func() { close(done) }()
	<-done
	return time.Since(start)
}
