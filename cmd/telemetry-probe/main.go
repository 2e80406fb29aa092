package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/cptspacemanspiff/device-telemetry/internal/calibration"
	"github.com/cptspacemanspiff/device-telemetry/internal/collector"
	"github.com/cptspacemanspiff/device-telemetry/internal/config"
	"github.com/cptspacemanspiff/device-telemetry/internal/eligibility"
	"github.com/cptspacemanspiff/device-telemetry/internal/hardware"
	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

type report struct {
	Capabilities hardware.DeviceCapabilities `json:"capabilities"`
	Calibration  *calibration.Result         `json:"calibration,omitempty"`
	Stats        *telemetry.RealTimeStats    `json:"stats"`
	Limits       config.ResourceLimits       `json:"limits"`
	Decision     eligibility.Decision        `json:"decision"`
}

func main() {
	configPath := pflag.StringP("config", "c", "/etc/device-telemetry/config.toml", "path to the TOML config file")
	userAgent := pflag.String("user-agent", "", "browser user-agent to classify instead of the local host")
	jsonOut := pflag.Bool("json", false, "print the report as JSON")
	calibrate := pflag.Bool("calibrate", false, "measure an idle CPU baseline and save it for the daemon")
	runs := pflag.Int("runs", calibration.DefaultRuns, "benchmark passes when calibrating")
	verbose := pflag.BoolP("verbose", "v", false, "log probe details to stderr")
	pflag.Parse()

	var logOut io.Writer = io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, err := config.Load(*configPath)
	if os.IsNotExist(err) {
		cfg = config.DefaultConfig()
	} else if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *userAgent != "" {
		cfg.Sampling.UserAgent = *userAgent
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	probeTimeout := time.Duration(cfg.Sampling.ProbeTimeoutMs) * time.Millisecond
	rep := report{Limits: cfg.Limits}
	rep.Capabilities = hardware.Probe(ctx, hardware.Options{
		UserAgent:           cfg.Sampling.UserAgent,
		BenchmarkIterations: cfg.Sampling.BenchmarkIterations,
		Timeout:             probeTimeout,
		Logger:              logger,
	})

	baseline := rep.Capabilities.Benchmark
	if *calibrate {
		if !*jsonOut {
			fmt.Printf("Calibrating CPU baseline (%d runs)... keep the machine idle\n", *runs)
		}
		r, err := calibration.Measure(*runs, cfg.Sampling.BenchmarkIterations, hardware.RunBenchmark)
		if err != nil {
			log.Fatalf("calibrate: %v", err)
		}
		path := calibration.DefaultPath(cfg.Storage.DBPath)
		if err := calibration.Save(path, r); err != nil {
			log.Fatalf("save calibration: %v", err)
		}
		rep.Calibration = &r
		baseline = r.Baseline()
		if !*jsonOut {
			fmt.Printf("Calibration written to %s\n\n", path)
		}
	}

	battery := collector.NewBatteryReader(logger)
	defer battery.Close()
	var latency telemetry.LatencyProber
	if cfg.Sampling.ProbeURL != "" {
		latency = telemetry.HTTPPinger{URL: cfg.Sampling.ProbeURL, UserAgent: cfg.Sampling.UserAgent}
	}
	sampler := telemetry.NewSampler(telemetry.Options{
		Logger:              logger,
		Baseline:            baseline,
		BenchmarkIterations: cfg.Sampling.BenchmarkIterations,
		ProbeTimeout:        probeTimeout,
		TotalMemoryMB:       rep.Capabilities.TotalMemoryGB * 1024,
		Battery:             battery,
		Latency:             latency,
	})
	rep.Stats = sampler.SampleOnce(ctx)
	rep.Decision = eligibility.Evaluate(rep.Stats, cfg.Limits)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			log.Fatalf("encode report: %v", err)
		}
		return
	}
	printReport(os.Stdout, rep)
}

func printReport(w io.Writer, rep report) {
	c := rep.Capabilities
	fmt.Fprintln(w, "=== Device ===")
	fmt.Fprintf(w, "  CPU:          %s (%d logical, %d physical)\n", c.CPUModel, c.LogicalCores, c.PhysicalCores)
	fmt.Fprintf(w, "  Memory:       %s total, %s available\n", gib(c.TotalMemoryGB), gib(c.AvailableMemoryGB))
	fmt.Fprintf(w, "  GPU:          %s (%s)\n", c.GPU.Renderer, c.GPU.Vendor)
	fmt.Fprintf(w, "  Platform:     %s / %s on %s\n", c.Platform, c.OSFamily, c.Architecture)
	fmt.Fprintf(w, "  Class:        %s, browser %s\n", c.DeviceClass, c.BrowserFamily)
	fmt.Fprintf(w, "  Display:      %dx%d @%gx, %d-bit\n", c.Display.Width, c.Display.Height, c.Display.PixelRatio, c.Display.ColorDepth)
	fmt.Fprintf(w, "  Network:      %s\n", c.NetworkType)
	fmt.Fprintf(w, "  Benchmark:    %v (score %s)\n", c.Benchmark.Round(time.Microsecond), humanize.FormatFloat("#,###.#", c.PerformanceScore))
	if cal := rep.Calibration; cal != nil {
		stability := "stable"
		if !cal.Stable() {
			stability = "unstable, rerun on an idle machine"
		}
		fmt.Fprintf(w, "  Calibrated:   %.2f ms (min %.2f, max %.2f, %s)\n", cal.BaselineMs, cal.MinMs, cal.MaxMs, stability)
	}
	fmt.Fprintln(w)

	s := rep.Stats
	fmt.Fprintln(w, "=== Sample ===")
	fmt.Fprintf(w, "  CPU:          %.1f%% [%s]\n", s.CPUUsage, s.Sources.CPU)
	fmt.Fprintf(w, "  Memory:       %.1f%% [%s], %s used\n", s.MemoryUsage, s.Sources.Memory, humanize.IBytes(uint64(s.MemoryUsedMB*(1<<20))))
	fmt.Fprintf(w, "  GPU:          %.1f%% at %.0f fps [%s]\n", s.GPUUsage, s.FPS, s.Sources.GPU)
	fmt.Fprintf(w, "  Temperature:  %s [%s]\n", optional(s.Temperature, "%.1f C"), s.Sources.Temperature)
	fmt.Fprintf(w, "  Battery:      %s, charging %s [%s]\n", optional(s.BatteryLevel, "%.0f%%"), charging(s.IsCharging), s.Sources.Battery)
	fmt.Fprintf(w, "  Network:      %s/s [%s], latency %.0f ms [%s]\n",
		humanize.Bytes(uint64(s.NetworkSpeedKBps*1024)), s.Sources.NetworkSpeed, s.NetworkLatencyMs, s.Sources.NetworkLatency)
	fmt.Fprintf(w, "  Response:     %.3f ms, pass took %.1f ms\n", s.ResponseTimeMs, s.LoadTimeMs)
	fmt.Fprintf(w, "  Idle:         %v\n", s.IsIdle)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Contribution ===")
	fmt.Fprintf(w, "  Verdict:      %s\n", rep.Decision)
}

func gib(gb float64) string {
	if gb <= 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(gb * (1 << 30)))
}

func optional(v *float64, format string) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf(format, *v)
}

func charging(v *bool) string {
	if v == nil {
		return "unknown"
	}
	if *v {
		return "yes"
	}
	return "no"
}
