package config

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	minSampleIntervalMs      = 100
	maxSampleIntervalMs      = 3600 * 1000
	minIdleWindowSeconds     = 1
	maxIdleWindowSeconds     = 86400
	minProbeTimeoutMs        = 10
	maxProbeTimeoutMs        = 60000
	minBenchmarkIterations   = 1000
	maxBenchmarkIterations   = 100_000_000
	maxMemoryLimitMB         = 1 << 20
	minTemperatureThreshold  = 25
	maxTemperatureThreshold  = 95
	minRetentionDays         = 1
	maxRetentionDays         = 3650
	minCleanupIntervalHours  = 1
	maxCleanupIntervalHours  = 720
	minExporterRatePerSecond = 0.1
	maxExporterRatePerSecond = 100
)

type Config struct {
	Storage  StorageConfig  `toml:"storage" json:"storage"`
	Sampling SamplingConfig `toml:"sampling" json:"sampling"`
	Limits   ResourceLimits `toml:"limits" json:"limits"`
	Cleanup  CleanupConfig  `toml:"cleanup" json:"cleanup"`
	Exporter ExporterConfig `toml:"exporter" json:"exporter"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path" json:"db_path"`
}

type SamplingConfig struct {
	IntervalMs          int    `toml:"interval_ms" json:"interval_ms"`
	IdleWindowSeconds   int    `toml:"idle_window_seconds" json:"idle_window_seconds"`
	ProbeURL            string `toml:"probe_url" json:"probe_url"`
	ProbeTimeoutMs      int    `toml:"probe_timeout_ms" json:"probe_timeout_ms"`
	BenchmarkIterations int    `toml:"benchmark_iterations" json:"benchmark_iterations"`
	UserAgent           string `toml:"user_agent" json:"user_agent"`
}

// ResourceLimits bounds what a contributing session may consume. The owner
// replaces the whole value between sampling ticks; it is never mutated in place.
type ResourceLimits struct {
	MaxCPUPercent          float64 `toml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxMemoryMB            float64 `toml:"max_memory_mb" json:"max_memory_mb"`
	TemperatureThreshold   float64 `toml:"temperature_threshold" json:"temperature_threshold"`
	OnlyWhenCharging       bool    `toml:"only_when_charging" json:"only_when_charging"`
	OnlyWhenIdle           bool    `toml:"only_when_idle" json:"only_when_idle"`
	MaxBatteryDrainPercent float64 `toml:"max_battery_drain_percent" json:"max_battery_drain_percent"`
}

type CleanupConfig struct {
	RetentionDays int `toml:"retention_days" json:"retention_days"`
	IntervalHours int `toml:"interval_hours" json:"interval_hours"`
}

// ExporterConfig controls the HTTP exporter. An empty ListenAddr disables it.
type ExporterConfig struct {
	ListenAddr    string  `toml:"listen_addr" json:"listen_addr"`
	RatePerSecond float64 `toml:"rate_per_second" json:"rate_per_second"`
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxCPUPercent:          25,
		MaxMemoryMB:            512,
		TemperatureThreshold:   75,
		OnlyWhenCharging:       true,
		OnlyWhenIdle:           true,
		MaxBatteryDrainPercent: 10,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: "/var/lib/device-telemetry/data.db",
		},
		Sampling: SamplingConfig{
			IntervalMs:          5000,
			IdleWindowSeconds:   300,
			ProbeTimeoutMs:      2000,
			BenchmarkIterations: 1_000_000,
		},
		Limits: DefaultLimits(),
		Cleanup: CleanupConfig{
			RetentionDays: 30,
			IntervalHours: 24,
		},
		Exporter: ExporterConfig{
			RatePerSecond: 1,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return NormalizeAndValidate(cfg)
}

func NormalizeAndValidate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sanitized := *cfg

	var err error
	sanitized.Storage.DBPath, err = sanitizePath("storage.db_path", sanitized.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	if err := validateRange("sampling.interval_ms", sanitized.Sampling.IntervalMs, minSampleIntervalMs, maxSampleIntervalMs); err != nil {
		return nil, err
	}
	if err := validateRange("sampling.idle_window_seconds", sanitized.Sampling.IdleWindowSeconds, minIdleWindowSeconds, maxIdleWindowSeconds); err != nil {
		return nil, err
	}
	if err := validateRange("sampling.probe_timeout_ms", sanitized.Sampling.ProbeTimeoutMs, minProbeTimeoutMs, maxProbeTimeoutMs); err != nil {
		return nil, err
	}
	if err := validateRange("sampling.benchmark_iterations", sanitized.Sampling.BenchmarkIterations, minBenchmarkIterations, maxBenchmarkIterations); err != nil {
		return nil, err
	}
	sanitized.Sampling.ProbeURL, err = sanitizeURL("sampling.probe_url", sanitized.Sampling.ProbeURL)
	if err != nil {
		return nil, err
	}
	sanitized.Sampling.UserAgent = strings.TrimSpace(sanitized.Sampling.UserAgent)

	if err := ValidateLimits(sanitized.Limits); err != nil {
		return nil, err
	}

	if err := validateRange("cleanup.retention_days", sanitized.Cleanup.RetentionDays, minRetentionDays, maxRetentionDays); err != nil {
		return nil, err
	}
	if err := validateRange("cleanup.interval_hours", sanitized.Cleanup.IntervalHours, minCleanupIntervalHours, maxCleanupIntervalHours); err != nil {
		return nil, err
	}

	sanitized.Exporter.ListenAddr = strings.TrimSpace(sanitized.Exporter.ListenAddr)
	if err := validateFloatRange("exporter.rate_per_second", sanitized.Exporter.RatePerSecond, minExporterRatePerSecond, maxExporterRatePerSecond); err != nil {
		return nil, err
	}

	return &sanitized, nil
}

// ValidateLimits checks a ResourceLimits value on its own, for callers that
// replace limits without touching the rest of the config.
func ValidateLimits(l ResourceLimits) error {
	if err := validateFloatRange("limits.max_cpu_percent", l.MaxCPUPercent, 0, 100); err != nil {
		return err
	}
	if err := validateFloatRange("limits.max_memory_mb", l.MaxMemoryMB, 0, maxMemoryLimitMB); err != nil {
		return err
	}
	if err := validateFloatRange("limits.temperature_threshold", l.TemperatureThreshold, minTemperatureThreshold, maxTemperatureThreshold); err != nil {
		return err
	}
	if err := validateFloatRange("limits.max_battery_drain_percent", l.MaxBatteryDrainPercent, 0, 100); err != nil {
		return err
	}
	return nil
}

func Save(path string, cfg *Config) error {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return fmt.Errorf("config path must not be empty")
	}

	sanitized, err := NormalizeAndValidate(cfg)
	if err != nil {
		return err
	}

	var data bytes.Buffer
	if err := toml.NewEncoder(&data).Encode(sanitized); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}

	dir := filepath.Dir(trimmedPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data.Bytes()); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, trimmedPath); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	tmpPath = ""

	return nil
}

func sanitizePath(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	cleaned := filepath.Clean(trimmed)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%s must be an absolute path, got %q", name, value)
	}
	return cleaned, nil
}

// sanitizeURL accepts an empty value (probe disabled) or an absolute http(s) URL.
func sanitizeURL(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, value)
	}
	return u.String(), nil
}

func validateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}

	return nil
}

func validateFloatRange(name string, value, min, max float64) error {
	if math.IsNaN(value) || value < min || value > max {
		return fmt.Errorf("%s must be between %g and %g, got %g", name, min, max, value)
	}

	return nil
}
