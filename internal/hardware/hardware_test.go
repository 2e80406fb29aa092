package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, path, contents string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

// bareSources simulates a host where every optional platform query fails.
func bareSources(t *testing.T) sources {
	t.Helper()

	errUnsupported := errors.New("unsupported")
	return sources{
		sysRoot:       t.TempDir(),
		getenv:        func(string) string { return "" },
		logicalCores:  func() int { return 0 },
		physicalCores: func() int { return 0 },
		cpuModel:      func(context.Context) (string, error) { return "", errUnsupported },
		virtualMemory: func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, errUnsupported },
		hostInfo:      func(context.Context) (*host.InfoStat, error) { return nil, errUnsupported },
		interfaces:    func(context.Context) (net.InterfaceStatList, error) { return nil, errUnsupported },
	}
}

func TestProbe_DegradesWithoutPlatformAPIs(t *testing.T) {
	caps := probeFrom(context.Background(), Options{BenchmarkIterations: 1000}, bareSources(t))

	assert.Equal(t, 1, caps.LogicalCores)
	assert.Equal(t, 1, caps.PhysicalCores)
	assert.Equal(t, "Unknown", caps.CPUModel)
	assert.Equal(t, GPUDetectionFailed, caps.GPU.Vendor)
	assert.Equal(t, GPUDetectionFailed, caps.GPU.Renderer)
	assert.Equal(t, "Unknown", caps.NetworkType)
	assert.Equal(t, "Unknown", caps.BrowserFamily)
	assert.NotEmpty(t, caps.Platform)
	assert.Equal(t, 24, caps.Display.ColorDepth)
	assert.Equal(t, 1.0, caps.Display.PixelRatio)
	assert.Positive(t, caps.Benchmark)
	assert.False(t, caps.ProbedAt.IsZero())
}

func TestProbe_ReadsSyntheticHost(t *testing.T) {
	src := bareSources(t)
	root := src.sysRoot

	writeTestFile(t, filepath.Join(root, "class/drm/card0/device/uevent"), "DRIVER=amdgpu\nPCI_ID=1002:744C\nPCI_SLOT_NAME=0000:03:00.0\n")
	writeTestFile(t, filepath.Join(root, "class/drm/card0-DP-1/status"), "disconnected\n")
	writeTestFile(t, filepath.Join(root, "class/drm/card0-eDP-1/status"), "connected\n")
	writeTestFile(t, filepath.Join(root, "class/drm/card0-eDP-1/modes"), "2560x1600\n1920x1200\n")
	writeTestFile(t, filepath.Join(root, "class/net/wlp2s0/wireless/.keep"), "")

	src.getenv = func(key string) string {
		if key == "GDK_SCALE" {
			return "2"
		}
		return ""
	}
	src.logicalCores = func() int { return 8 }
	src.cpuModel = func(context.Context) (string, error) { return " Test CPU 9000 ", nil }
	src.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 16 << 30, Available: 6 << 30}, nil
	}
	src.hostInfo = func(context.Context) (*host.InfoStat, error) {
		return &host.InfoStat{Platform: "fedora", PlatformVersion: "41"}, nil
	}
	src.interfaces = func(context.Context) (net.InterfaceStatList, error) {
		return net.InterfaceStatList{
			{Name: "lo", Flags: []string{"up", "loopback"}},
			{Name: "wlp2s0", Flags: []string{"up", "broadcast"}},
		}, nil
	}

	caps := probeFrom(context.Background(), Options{BenchmarkIterations: 1000}, src)

	assert.Equal(t, 8, caps.LogicalCores)
	assert.Equal(t, 4, caps.PhysicalCores)
	assert.Equal(t, "Test CPU 9000", caps.CPUModel)
	assert.InDelta(t, 16.0, caps.TotalMemoryGB, 0.001)
	assert.InDelta(t, 6.0, caps.AvailableMemoryGB, 0.001)
	assert.Equal(t, "AMD", caps.GPU.Vendor)
	assert.Equal(t, "AMD GPU 0x744c", caps.GPU.Renderer)
	assert.Equal(t, Display{Width: 2560, Height: 1600, PixelRatio: 2, ColorDepth: 24}, caps.Display)
	assert.Equal(t, "fedora 41", caps.Platform)
	assert.Equal(t, "wifi", caps.NetworkType)
	assert.Equal(t, ClassDesktop, caps.DeviceClass)
	// 8 cores * 10 + (16-4) * 5 + 20 desktop bonus.
	assert.InDelta(t, 160.0, caps.PerformanceScore, 0.001)
}

func TestProbe_TimesOutSlowQueries(t *testing.T) {
	src := bareSources(t)
	src.hostInfo = func(ctx context.Context) (*host.InfoStat, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	caps := probeFrom(context.Background(), Options{BenchmarkIterations: 1000, Timeout: 20 * time.Millisecond}, src)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotEmpty(t, caps.Platform)
}

func TestEstimatePhysicalCores(t *testing.T) {
	tests := []struct {
		logical, reported, want int
	}{
		{logical: 1, reported: 0, want: 1},
		{logical: 3, reported: 0, want: 2},
		{logical: 8, reported: 0, want: 4},
		{logical: 8, reported: 6, want: 6},
		{logical: 4, reported: 16, want: 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, estimatePhysicalCores(tt.logical, tt.reported), "logical=%d reported=%d", tt.logical, tt.reported)
	}
}

func TestPerformanceScore(t *testing.T) {
	assert.InDelta(t, 40.0, PerformanceScore(4, 2, ClassMobile), 0.001)
	assert.InDelta(t, 50.0, PerformanceScore(4, 4, ClassTablet), 0.001)
	assert.InDelta(t, 80.0, PerformanceScore(4, 8, ClassDesktop), 0.001)
}

func TestClassifyEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		goos    string
		goarch  string
		chassis string
		want    environment
	}{
		{
			name: "desktop chrome on windows",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			want: environment{OSFamily: "Windows", BrowserFamily: "Chrome", Architecture: "x86_64", DeviceClass: ClassDesktop},
		},
		{
			name: "edge wins over chrome",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0 Safari/537.36 Edg/120.0",
			want: environment{OSFamily: "Windows", BrowserFamily: "Edge", Architecture: "x86_64", DeviceClass: ClassDesktop},
		},
		{
			name: "iphone safari",
			ua:   "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148 Safari/604.1",
			want: environment{OSFamily: "iOS", BrowserFamily: "Safari", Architecture: "Unknown", DeviceClass: ClassMobile},
		},
		{
			name: "android tablet without mobile token",
			ua:   "Mozilla/5.0 (Linux; Android 13; SM-X200) AppleWebKit/537.36 Chrome/120.0 Safari/537.36",
			want: environment{OSFamily: "Android", BrowserFamily: "Chrome", Architecture: "Unknown", DeviceClass: ClassTablet},
		},
		{
			name: "firefox on arm linux",
			ua:   "Mozilla/5.0 (X11; Linux aarch64; rv:121.0) Gecko/20100101 Firefox/121.0",
			want: environment{OSFamily: "Linux", BrowserFamily: "Firefox", Architecture: "arm64", DeviceClass: ClassDesktop},
		},
		{
			name:   "native linux host",
			goos:   "linux",
			goarch: "amd64",
			want:   environment{OSFamily: "Linux", BrowserFamily: "Unknown", Architecture: "x86_64", DeviceClass: ClassDesktop},
		},
		{
			name:    "native convertible",
			goos:    "linux",
			goarch:  "arm64",
			chassis: "31",
			want:    environment{OSFamily: "Linux", BrowserFamily: "Unknown", Architecture: "arm64", DeviceClass: ClassTablet},
		},
		{
			name:   "unknown target",
			goos:   "plan9",
			goarch: "mips",
			want:   environment{OSFamily: "Unknown", BrowserFamily: "Unknown", Architecture: "Unknown", DeviceClass: ClassDesktop},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyEnvironment(tt.ua, tt.goos, tt.goarch, tt.chassis))
		})
	}
}

func TestIsCardDevice(t *testing.T) {
	for name, want := range map[string]bool{
		"card0":      true,
		"card12":     true,
		"card":       false,
		"card0-DP-1": false,
		"renderD128": false,
	} {
		assert.Equal(t, want, isCardDevice(name), name)
	}
}

func TestReadGPUBusyPercent(t *testing.T) {
	root := t.TempDir()

	_, ok := ReadGPUBusyPercent(root)
	assert.False(t, ok)

	writeTestFile(t, filepath.Join(root, "class/drm/card1/device/gpu_busy_percent"), "37\n")
	busy, ok := ReadGPUBusyPercent(root)
	require.True(t, ok)
	assert.Equal(t, 37.0, busy)
}

func TestParseMode(t *testing.T) {
	w, h, ok := parseMode("1920x1080i")
	require.True(t, ok)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	_, _, ok = parseMode("garbage")
	assert.False(t, ok)
}

func TestRunBenchmark(t *testing.T) {
	small := RunBenchmark(1000)
	assert.Positive(t, small)
	assert.Positive(t, RunBenchmark(0))
}
