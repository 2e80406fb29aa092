package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cptspacemanspiff/device-telemetry/internal/calibration"
	"github.com/cptspacemanspiff/device-telemetry/internal/collector"
	"github.com/cptspacemanspiff/device-telemetry/internal/config"
	dbussvc "github.com/cptspacemanspiff/device-telemetry/internal/dbus"
	"github.com/cptspacemanspiff/device-telemetry/internal/eligibility"
	"github.com/cptspacemanspiff/device-telemetry/internal/exporter"
	"github.com/cptspacemanspiff/device-telemetry/internal/hardware"
	"github.com/cptspacemanspiff/device-telemetry/internal/storage"
	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

const defaultConfigPath = "/etc/device-telemetry/config.toml"

func main() {
	configPath := pflag.StringP("config", "c", defaultConfigPath, "path to the TOML config file")
	verbose := pflag.BoolP("verbose", "v", false, "enable all verbose logging (equivalent to --log=all)")
	logFlag := pflag.String("log", "", "comma-separated log topics: probe,sampler,battery,eligibility,sleep,storage,exporter,config (or 'all')")
	resetDB := pflag.Bool("reset-db", false, "delete the database and exit")
	pflag.Parse()

	logger := newTopicLogger(os.Stderr, *verbose, *logFlag)

	cfg, err := config.Load(*configPath)
	switch {
	case os.IsNotExist(err):
		logger.Info("config not found, using defaults", "path", *configPath)
		cfg = config.DefaultConfig()
	case err != nil:
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	dbPath := cfg.Storage.DBPath
	if *resetDB {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
				logger.Error("delete database", "err", err)
				os.Exit(1)
			}
		}
		logger.Info("database deleted", "path", dbPath)
		return
	}

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("daemon failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, logger *slog.Logger) error {
	probeLog := logger.With("topic", "probe")
	samplerLog := logger.With("topic", "sampler")
	batteryLog := logger.With("topic", "battery")
	eligibilityLog := logger.With("topic", "eligibility")
	sleepLog := logger.With("topic", "sleep")
	storageLog := logger.With("topic", "storage")
	exporterLog := logger.With("topic", "exporter")
	configLog := logger.With("topic", "config")

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probeTimeout := time.Duration(cfg.Sampling.ProbeTimeoutMs) * time.Millisecond
	caps := hardware.Probe(ctx, hardware.Options{
		UserAgent:           cfg.Sampling.UserAgent,
		BenchmarkIterations: cfg.Sampling.BenchmarkIterations,
		Timeout:             probeTimeout,
		Logger:              probeLog,
	})
	if err := store.InsertCapabilities(caps); err != nil {
		storageLog.Error("store capabilities", "err", err)
	}
	logger.Info("host probed",
		"cores", caps.LogicalCores,
		"memory", humanize.IBytes(uint64(caps.TotalMemoryGB*(1<<30))),
		"gpu", caps.GPU.Renderer,
		"class", caps.DeviceClass,
		"score", caps.PerformanceScore)

	baseline := caps.Benchmark
	calPath := calibration.DefaultPath(cfg.Storage.DBPath)
	if cal, err := calibration.Load(calPath, cfg.Sampling.BenchmarkIterations); err == nil {
		baseline = cal.Baseline()
		probeLog.Info("using calibrated baseline", "path", calPath, "baseline", baseline, "stable", cal.Stable())
	} else if !os.IsNotExist(err) {
		probeLog.Warn("ignoring calibration", "path", calPath, "err", err)
	}

	battery := collector.NewBatteryReader(batteryLog)
	defer battery.Close()

	var latency telemetry.LatencyProber
	if cfg.Sampling.ProbeURL != "" {
		latency = telemetry.HTTPPinger{URL: cfg.Sampling.ProbeURL, UserAgent: cfg.Sampling.UserAgent}
	}

	sampler := telemetry.NewSampler(telemetry.Options{
		Logger:              samplerLog,
		Baseline:            baseline,
		BenchmarkIterations: cfg.Sampling.BenchmarkIterations,
		IdleWindow:          time.Duration(cfg.Sampling.IdleWindowSeconds) * time.Second,
		ProbeTimeout:        probeTimeout,
		TotalMemoryMB:       caps.TotalMemoryGB * 1024,
		Battery:             battery,
		Latency:             latency,
	})
	monitor := eligibility.NewMonitor(cfg.Limits, eligibilityLog)

	unsubscribe := sampler.Subscribe(recordSnapshot(store, monitor, storageLog))
	defer unsubscribe()

	rps := rate.Limit(cfg.Exporter.RatePerSecond)
	svc := dbussvc.NewService(store, sampler, monitor, rate.NewLimiter(rps, 1))
	if conn, err := svc.Export(); err != nil {
		logger.Warn("D-Bus service unavailable", "err", err)
	} else {
		defer conn.Close()
		logger.Info("D-Bus service registered", "name", "org.freedesktop.DeviceTelemetry")
	}

	watcher, err := config.Watch(configPath, configLog, func(next *config.Config) {
		monitor.SetLimits(next.Limits)
	})
	if err != nil {
		configLog.Warn("config reload unavailable", "err", err)
	} else {
		defer watcher.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	if sleepMon, err := collector.NewSleepMonitor(sleepLog); err != nil {
		sleepLog.Warn("sleep monitor unavailable", "err", err)
	} else {
		defer sleepMon.Close()
		g.Go(func() error {
			for {
				select {
				case <-sleepMon.Activity():
					sampler.RecordActivity()
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	if addr := cfg.Exporter.ListenAddr; addr != "" {
		srv := exporter.New(sampler, monitor, rate.NewLimiter(rps, 1), exporterLog)
		cancelExport := sampler.Subscribe(srv.Observe)
		defer cancelExport()
		g.Go(func() error {
			return srv.ListenAndServe(gctx, addr)
		})
	}

	g.Go(func() error {
		cleanupLoop(gctx, store, cfg.Cleanup, storageLog)
		return nil
	})

	interval := time.Duration(cfg.Sampling.IntervalMs) * time.Millisecond
	sampler.Start(interval)
	logger.Info("telemetry-daemon started", "interval", interval)

	<-gctx.Done()
	logger.Info("shutting down")
	sampler.Stop()
	stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// recordSnapshot stores every snapshot and each change of the eligibility
// decision. The monitor logs the change itself.
func recordSnapshot(store *storage.DB, monitor *eligibility.Monitor, logger *slog.Logger) func(*telemetry.RealTimeStats) {
	return func(stats *telemetry.RealTimeStats) {
		if err := store.InsertSample(stats); err != nil {
			logger.Error("store sample", "err", err)
		}
		st, changed := monitor.Observe(stats)
		if !changed {
			return
		}
		if err := store.InsertEligibilityEvent(st); err != nil {
			logger.Error("store eligibility event", "err", err)
		}
	}
}

// cleanupLoop drops history older than the retention window, once at
// startup and then every interval.
func cleanupLoop(ctx context.Context, store *storage.DB, cfg config.CleanupConfig, logger *slog.Logger) {
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Duration(cfg.IntervalHours) * time.Hour)
	defer ticker.Stop()

	for {
		before := time.Now().Add(-retention)
		if n, err := store.DeleteOlderThan(before.Unix()); err != nil {
			logger.Error("cleanup", "err", err)
		} else if n > 0 {
			logger.Info("cleanup", "deleted", n, "before", humanize.Time(before))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
