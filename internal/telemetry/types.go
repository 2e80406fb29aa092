package telemetry

import (
	"math"
	"time"
)

// Source says how a field of a snapshot was obtained.
type Source string

const (
	// SourceMeasured values come from an OS counter or device.
	SourceMeasured Source = "measured"
	// SourceEstimated values are inferred from timing a synthetic workload.
	SourceEstimated Source = "estimated"
	// SourceDerived values are computed from other fields of the snapshot.
	SourceDerived Source = "derived"
	// SourceFallback values are fixed defaults substituted after a failure.
	SourceFallback    Source = "fallback"
	SourceUnavailable Source = "unavailable"
)

// Provenance records the Source of each estimated field.
type Provenance struct {
	CPU            Source `json:"cpu"`
	Memory         Source `json:"memory"`
	GPU            Source `json:"gpu"`
	Temperature    Source `json:"temperature"`
	Battery        Source `json:"battery"`
	NetworkSpeed   Source `json:"network_speed"`
	NetworkLatency Source `json:"network_latency"`
}

// RealTimeStats is one sampling pass. All subscribers of a tick receive the
// same instance and must treat it as read-only.
//
// Nil pointer fields are unknown, never zero or false.
type RealTimeStats struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	// MemoryUsedMB is MemoryUsage expressed in megabytes of host memory.
	MemoryUsedMB     float64    `json:"memory_used_mb"`
	GPUUsage         float64    `json:"gpu_usage"`
	Temperature      *float64   `json:"temperature"`
	BatteryLevel     *float64   `json:"battery_level"`
	IsCharging       *bool      `json:"is_charging"`
	NetworkSpeedKBps float64    `json:"network_speed_kbps"`
	NetworkLatencyMs float64    `json:"network_latency_ms"`
	FPS              float64    `json:"fps"`
	ResponseTimeMs   float64    `json:"response_time_ms"`
	LoadTimeMs       float64    `json:"load_time_ms"`
	IsIdle           bool       `json:"is_idle"`
	Timestamp        time.Time  `json:"timestamp"`
	Sources          Provenance `json:"sources"`
}

func clampPercent(v float64) float64 {
	return clamp(v, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
