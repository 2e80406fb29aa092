package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/cptspacemanspiff/device-telemetry/internal/hardware"
)

const defaultProbeTimeout = 2 * time.Second

// BatteryReader reports the platform battery state. An error means the
// state is unknown.
type BatteryReader interface {
	ReadBattery(ctx context.Context) (level float64, charging bool, err error)
}

// Options configures a Sampler. The zero value samples the local host with
// the wall clock, no battery reader and no latency probe.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// Baseline is the benchmark time from a capability probe. When zero the
	// sampler runs the benchmark itself on first use.
	Baseline            time.Duration
	BenchmarkIterations int

	IdleWindow   time.Duration
	ProbeTimeout time.Duration

	// TotalMemoryMB converts the memory usage percentage into MemoryUsedMB.
	// When zero the sampler asks the OS.
	TotalMemoryMB float64

	Battery BatteryReader
	Latency LatencyProber
	// SysRoot locates sysfs for GPU busy counters. Defaults to /sys.
	SysRoot string
}

// Sampler measures the host on an interval and fans each snapshot out to
// its subscribers.
type Sampler struct {
	clock        clock.Clock
	log          *slog.Logger
	activity     *ActivityTracker
	battery      BatteryReader
	latency      LatencyProber
	iterations    int
	probeTimeout  time.Duration
	totalMemoryMB float64
	probes        probes

	baselineOnce sync.Once
	baseline     time.Duration
	renderOnce   sync.Once
	renderBase   time.Duration

	// inFlight admits one loop tick at a time; a tick that finds it held is
	// skipped.
	inFlight *semaphore.Weighted

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	subMu  sync.RWMutex
	subs   map[uint64]func(*RealTimeStats)
	nextID uint64

	latest atomic.Pointer[RealTimeStats]
}

func NewSampler(opts Options) *Sampler {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	iterations := opts.BenchmarkIterations
	if iterations <= 0 {
		iterations = hardware.DefaultBenchmarkIterations
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	sysRoot := opts.SysRoot
	if sysRoot == "" {
		sysRoot = "/sys"
	}

	return &Sampler{
		clock:         clk,
		log:           log,
		activity:      NewActivityTracker(clk, opts.IdleWindow),
		battery:       opts.Battery,
		latency:       opts.Latency,
		iterations:    iterations,
		probeTimeout:  timeout,
		totalMemoryMB: opts.TotalMemoryMB,
		probes:        systemProbes(sysRoot),
		baseline:      opts.Baseline,
		inFlight:      semaphore.NewWeighted(1),
		subs:          make(map[uint64]func(*RealTimeStats)),
	}
}

func (s *Sampler) cpuBaseline() time.Duration {
	s.baselineOnce.Do(func() {
		if s.baseline <= 0 {
			s.baseline = s.probes.benchmark(s.iterations)
		}
	})
	return s.baseline
}

func (s *Sampler) renderBaseline() time.Duration {
	s.renderOnce.Do(func() {
		s.renderBase = s.probes.render(renderFrames)
	})
	return s.renderBase
}

// RecordActivity marks the host as in use now. Wire it to whatever input
// or wake events the host observes.
func (s *Sampler) RecordActivity() {
	s.activity.Record()
}

// Activity exposes the tracker backing the idle check.
func (s *Sampler) Activity() *ActivityTracker {
	return s.activity
}

// Subscribe registers fn to receive every snapshot. fn runs synchronously
// on the sampling goroutine. The returned func removes the subscription.
func (s *Sampler) Subscribe(fn func(*RealTimeStats)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Start samples every interval until Stop. Starting a running sampler
// replaces the previous loop.
func (s *Sampler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := s.clock.Ticker(interval)
	s.cancel = cancel
	s.done = done

	go s.loop(ctx, ticker, done)
	s.log.Info("sampler started", "interval", interval)
}

// Stop ends the loop. It is a no-op when the sampler is not running. A tick
// already measuring still completes and delivers its snapshot.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopLocked() {
		s.log.Info("sampler stopped")
	}
}

func (s *Sampler) stopLocked() bool {
	if s.cancel == nil {
		return false
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	return true
}

// Running reports whether a sampling loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sampler) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.inFlight.TryAcquire(1) {
				s.log.Debug("previous sample still running, skipping tick")
				continue
			}
			go func() {
				defer s.inFlight.Release(1)
				s.publish(s.SampleOnce(context.WithoutCancel(ctx)))
			}()
		}
	}
}

func (s *Sampler) publish(stats *RealTimeStats) {
	s.subMu.RLock()
	fns := make([]func(*RealTimeStats), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		s.deliver(fn, stats)
	}
}

func (s *Sampler) deliver(fn func(*RealTimeStats), stats *RealTimeStats) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panicked", "panic", r)
		}
	}()
	fn(stats)
}

// Latest returns the most recent snapshot, or nil before the first pass.
func (s *Sampler) Latest() *RealTimeStats {
	return s.latest.Load()
}

// SampleOnce runs a full measurement pass without needing the loop. It
// never fails; a measurement that cannot complete falls back to a default
// and its Source says so.
func (s *Sampler) SampleOnce(ctx context.Context) *RealTimeStats {
	start := time.Now()
	stats := &RealTimeStats{}

	stats.CPUUsage, stats.Sources.CPU = s.measureCPU()
	stats.MemoryUsage, stats.Sources.Memory = s.measureMemory(ctx)
	stats.MemoryUsedMB = s.usedMemoryMB(stats.MemoryUsage)
	stats.GPUUsage, stats.FPS, stats.Sources.GPU = s.measureGPU()

	temp := DeriveTemperature(stats.CPUUsage, stats.MemoryUsage, stats.GPUUsage)
	stats.Temperature = &temp
	stats.Sources.Temperature = SourceDerived

	stats.IsIdle = s.activity.IsIdle()

	stats.NetworkSpeedKBps, stats.NetworkLatencyMs, stats.Sources.NetworkSpeed, stats.Sources.NetworkLatency = s.measureNetwork(ctx)

	stats.BatteryLevel, stats.IsCharging, stats.Sources.Battery = s.readBattery(ctx)

	stats.ResponseTimeMs = millis(s.probes.handoff())
	stats.LoadTimeMs = millis(time.Since(start))
	stats.Timestamp = s.clock.Now()

	s.latest.Store(stats)
	s.log.Debug("sample",
		"cpu", stats.CPUUsage,
		"memory", stats.MemoryUsage,
		"gpu", stats.GPUUsage,
		"temperature", temp,
		"idle", stats.IsIdle,
		"load_ms", stats.LoadTimeMs)
	return stats
}

func (s *Sampler) readBattery(ctx context.Context) (*float64, *bool, Source) {
	if s.battery == nil {
		return nil, nil, SourceUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	level, charging, err := s.battery.ReadBattery(ctx)
	if err != nil {
		s.log.Debug("battery unavailable", "err", err)
		return nil, nil, SourceUnavailable
	}
	level = clampPercent(level)
	return &level, &charging, SourceMeasured
}
