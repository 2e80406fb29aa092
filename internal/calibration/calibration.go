// Package calibration measures a stable idle CPU benchmark baseline. The
// sampler derives CPU usage from how much slower the same workload runs
// under load, so a noisy baseline skews every reading.
package calibration

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// DefaultRuns is how many benchmark passes a calibration times.
const DefaultRuns = 15

// maxRelativeSpread is the stddev/median ratio above which a calibration is
// reported as unstable.
const maxRelativeSpread = 0.15

// Result is a persisted calibration.
type Result struct {
	BaselineMs   float64 `json:"baseline_ms"`
	MinMs        float64 `json:"min_ms"`
	MaxMs        float64 `json:"max_ms"`
	StdDevMs     float64 `json:"stddev_ms"`
	Runs         int     `json:"runs"`
	Iterations   int     `json:"iterations"`
	CalibratedAt string  `json:"calibrated_at"`
}

// Baseline returns the calibrated benchmark time.
func (r Result) Baseline() time.Duration {
	return time.Duration(r.BaselineMs * float64(time.Millisecond))
}

// Stable reports whether the runs were close enough together to trust.
func (r Result) Stable() bool {
	if r.BaselineMs <= 0 {
		return false
	}
	return r.StdDevMs/r.BaselineMs <= maxRelativeSpread
}

// Stats summarises a set of benchmark timings.
type Stats struct {
	Median time.Duration
	Min    time.Duration
	Max    time.Duration
	StdDev time.Duration
	All    []time.Duration
}

// Summarize computes Stats over timings. It needs at least one value.
func Summarize(timings []time.Duration) (Stats, error) {
	if len(timings) == 0 {
		return Stats{}, fmt.Errorf("no timings to summarize")
	}
	sorted := slices.Clone(timings)
	slices.Sort(sorted)

	var sum float64
	for _, d := range sorted {
		sum += float64(d)
	}
	mean := sum / float64(len(sorted))
	var sq float64
	for _, d := range sorted {
		diff := float64(d) - mean
		sq += diff * diff
	}

	return Stats{
		Median: sorted[len(sorted)/2],
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		StdDev: time.Duration(math.Sqrt(sq / float64(len(sorted)))),
		All:    timings,
	}, nil
}

// Measure times runs passes of bench at the given iteration count. The
// first pass warms caches and is discarded.
func Measure(runs, iterations int, bench func(int) time.Duration) (Result, error) {
	if runs <= 0 {
		return Result{}, fmt.Errorf("runs must be positive, got %d", runs)
	}
	if iterations <= 0 {
		return Result{}, fmt.Errorf("iterations must be positive, got %d", iterations)
	}

	bench(iterations)
	timings := make([]time.Duration, runs)
	for i := range timings {
		timings[i] = bench(iterations)
	}
	stats, err := Summarize(timings)
	if err != nil {
		return Result{}, err
	}

	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return Result{
		BaselineMs:   ms(stats.Median),
		MinMs:        ms(stats.Min),
		MaxMs:        ms(stats.Max),
		StdDevMs:     ms(stats.StdDev),
		Runs:         runs,
		Iterations:   iterations,
		CalibratedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// DefaultPath is where the daemon looks for a calibration next to its
// database.
func DefaultPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "baseline.json")
}

// Save writes r as indented JSON, creating the parent directory.
func Save(path string, r Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create calibration dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	return nil
}

// Load reads a calibration written by Save. A calibration taken with a
// different iteration count does not apply and is rejected.
func Load(path string, iterations int) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("parse calibration: %w", err)
	}
	if r.BaselineMs <= 0 {
		return Result{}, fmt.Errorf("calibration has no baseline")
	}
	if r.Iterations != iterations {
		return Result{}, fmt.Errorf("calibration used %d iterations, want %d", r.Iterations, iterations)
	}
	return r, nil
}
