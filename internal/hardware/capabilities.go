package hardware

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pbnjay/memory"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// DeviceClass is the coarse form factor of the host.
type DeviceClass string

const (
	ClassMobile  DeviceClass = "mobile"
	ClassTablet  DeviceClass = "tablet"
	ClassDesktop DeviceClass = "desktop"
)

// GPUDescriptor identifies the display adapter. Both fields are
// GPUDetectionFailed when no adapter could be identified.
type GPUDescriptor struct {
	Vendor   string `json:"vendor"`
	Renderer string `json:"renderer"`
}

type Display struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	PixelRatio float64 `json:"pixel_ratio"`
	ColorDepth int     `json:"color_depth"`
}

// DeviceCapabilities is an immutable snapshot of what the host can do.
// Probe again to refresh it.
type DeviceCapabilities struct {
	LogicalCores      int           `json:"logical_cores"`
	PhysicalCores     int           `json:"physical_cores"`
	CPUModel          string        `json:"cpu_model"`
	TotalMemoryGB     float64       `json:"total_memory_gb"`
	AvailableMemoryGB float64       `json:"available_memory_gb"`
	GPU               GPUDescriptor `json:"gpu"`
	Architecture      string        `json:"architecture"`
	Platform          string        `json:"platform"`
	OSFamily          string        `json:"os_family"`
	BrowserFamily     string        `json:"browser_family"`
	DeviceClass       DeviceClass   `json:"device_class"`
	Display           Display       `json:"display"`
	NetworkType       string        `json:"network_type"`
	PerformanceScore  float64       `json:"performance_score"`
	// Benchmark is the wall time of the fixed CPU workload. Lower is faster.
	Benchmark   time.Duration `json:"-"`
	BenchmarkMs float64       `json:"benchmark_ms"`
	ProbedAt    time.Time     `json:"probed_at"`
}

// Options tunes a probe.
type Options struct {
	// UserAgent is an optional browser user-agent forwarded by a web host.
	UserAgent           string
	BenchmarkIterations int
	// Timeout bounds each platform query. Zero means two seconds.
	Timeout time.Duration
	Logger  *slog.Logger
}

// sources abstracts the platform queries so tests can simulate hosts where
// they are missing.
type sources struct {
	sysRoot       string
	getenv        func(string) string
	logicalCores  func() int
	physicalCores func() int
	cpuModel      func(ctx context.Context) (string, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	hostInfo      func(ctx context.Context) (*host.InfoStat, error)
	interfaces    func(ctx context.Context) (net.InterfaceStatList, error)
}

func systemSources() sources {
	return sources{
		sysRoot:       "/sys",
		getenv:        os.Getenv,
		logicalCores:  runtime.NumCPU,
		physicalCores: func() int { return cpuid.CPU.PhysicalCores },
		cpuModel: func(ctx context.Context) (string, error) {
			if cpuid.CPU.BrandName != "" {
				return cpuid.CPU.BrandName, nil
			}
			infos, err := cpu.InfoWithContext(ctx)
			if err != nil || len(infos) == 0 {
				return "", err
			}
			return infos[0].ModelName, nil
		},
		virtualMemory: mem.VirtualMemoryWithContext,
		hostInfo:      host.InfoWithContext,
		interfaces:    net.InterfacesWithContext,
	}
}

// Probe collects a DeviceCapabilities snapshot. It never fails: every
// detection that cannot complete yields its documented fallback value.
func Probe(ctx context.Context, opts Options) DeviceCapabilities {
	return probeFrom(ctx, opts, systemSources())
}

func probeFrom(ctx context.Context, opts Options, src sources) DeviceCapabilities {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	query := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, timeout)
	}

	caps := DeviceCapabilities{ProbedAt: time.Now()}

	caps.LogicalCores = max(1, src.logicalCores())
	caps.PhysicalCores = estimatePhysicalCores(caps.LogicalCores, src.physicalCores())

	qctx, cancel := query()
	model, err := src.cpuModel(qctx)
	cancel()
	if err != nil {
		log.Debug("cpu model unavailable", "err", err)
	}
	caps.CPUModel = strings.TrimSpace(model)
	if caps.CPUModel == "" {
		caps.CPUModel = unknown
	}

	qctx, cancel = query()
	caps.TotalMemoryGB, caps.AvailableMemoryGB = probeMemory(qctx, src, log)
	cancel()

	caps.GPU = detectGPU(src.sysRoot)
	caps.Display = detectDisplay(src.sysRoot, src.getenv)

	qctx, cancel = query()
	caps.Platform = probePlatform(qctx, src, log)
	cancel()

	env := classifyEnvironment(opts.UserAgent, runtime.GOOS, runtime.GOARCH, readChassisType(src.sysRoot))
	caps.OSFamily = env.OSFamily
	caps.BrowserFamily = env.BrowserFamily
	caps.Architecture = env.Architecture
	caps.DeviceClass = env.DeviceClass

	qctx, cancel = query()
	caps.NetworkType = probeNetworkType(qctx, src, log)
	cancel()

	caps.PerformanceScore = PerformanceScore(caps.LogicalCores, caps.TotalMemoryGB, caps.DeviceClass)

	caps.Benchmark = RunBenchmark(opts.BenchmarkIterations)
	caps.BenchmarkMs = float64(caps.Benchmark) / float64(time.Millisecond)

	log.Info("probe complete",
		"cores", caps.LogicalCores,
		"memory_gb", math.Round(caps.TotalMemoryGB*10)/10,
		"gpu", caps.GPU.Renderer,
		"class", caps.DeviceClass,
		"benchmark_ms", caps.BenchmarkMs)
	return caps
}

// estimatePhysicalCores prefers the count the CPU reports and otherwise
// assumes two hardware threads per core.
func estimatePhysicalCores(logical, reported int) int {
	if reported > 0 && reported <= logical {
		return reported
	}
	return max(1, (logical+1)/2)
}

func probeMemory(ctx context.Context, src sources, log *slog.Logger) (total, available float64) {
	const gib = 1 << 30
	vm, err := src.virtualMemory(ctx)
	if err == nil && vm != nil && vm.Total > 0 {
		return float64(vm.Total) / gib, float64(vm.Available) / gib
	}
	log.Debug("virtual memory unavailable, using sysinfo totals", "err", err)
	return float64(memory.TotalMemory()) / gib, float64(memory.FreeMemory()) / gib
}

func probePlatform(ctx context.Context, src sources, log *slog.Logger) string {
	info, err := src.hostInfo(ctx)
	if err != nil || info == nil || info.Platform == "" {
		log.Debug("host info unavailable", "err", err)
		return runtime.GOOS
	}
	if info.PlatformVersion != "" {
		return info.Platform + " " + info.PlatformVersion
	}
	return info.Platform
}

// probeNetworkType classifies the first active non-loopback interface.
func probeNetworkType(ctx context.Context, src sources, log *slog.Logger) string {
	ifaces, err := src.interfaces(ctx)
	if err != nil {
		log.Debug("network interfaces unavailable", "err", err)
		return unknown
	}
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		if kind := interfaceKind(src.sysRoot, iface.Name); kind != "" {
			return kind
		}
	}
	return unknown
}

func interfaceKind(sysRoot, name string) string {
	if _, err := os.Stat(filepath.Join(sysRoot, "class/net", name, "wireless")); err == nil {
		return "wifi"
	}
	switch {
	case strings.HasPrefix(name, "wl"):
		return "wifi"
	case strings.HasPrefix(name, "ww"):
		return "cellular"
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return "ethernet"
	}
	return ""
}

// PerformanceScore is an additive heuristic: ten points per core, five per
// GB of memory above 4 GB, plus a bonus for larger form factors.
func PerformanceScore(cores int, memoryGB float64, class DeviceClass) float64 {
	score := float64(cores)*10 + math.Max(0, memoryGB-4)*5
	switch class {
	case ClassDesktop:
		score += 20
	case ClassTablet:
		score += 10
	}
	return score
}
