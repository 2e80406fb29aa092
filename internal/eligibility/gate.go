// Package eligibility decides whether background contribution may run on
// the host given the latest telemetry snapshot and the configured limits.
package eligibility

import (
	"fmt"
	"strings"

	"github.com/cptspacemanspiff/device-telemetry/internal/config"
	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

// Reason names a clause that blocked contribution.
type Reason string

const (
	ReasonCPU          Reason = "cpu_over_limit"
	ReasonMemory       Reason = "memory_over_limit"
	ReasonTemperature  Reason = "temperature_over_threshold"
	ReasonNotCharging  Reason = "not_charging"
	ReasonNotIdle      Reason = "not_idle"
	ReasonNoSample     Reason = "no_sample"
	// ReasonBatteryDrain is raised by a Monitor, never by Evaluate.
	ReasonBatteryDrain Reason = "battery_drain_exceeded"
)

// Decision is the gate's verdict. Reasons is empty when Allowed.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []Reason `json:"reasons,omitempty"`
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	parts := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		parts[i] = string(r)
	}
	return fmt.Sprintf("blocked (%s)", strings.Join(parts, ", "))
}

// Equal reports whether two decisions carry the same verdict and reasons.
func (d Decision) Equal(o Decision) bool {
	if d.Allowed != o.Allowed || len(d.Reasons) != len(o.Reasons) {
		return false
	}
	for i := range d.Reasons {
		if d.Reasons[i] != o.Reasons[i] {
			return false
		}
	}
	return true
}

// Evaluate checks every clause and collects the ones that fail. It has no
// side effects and the same inputs always give the same Decision.
//
// Unknown temperature passes since it is itself an estimate. Unknown
// charging state counts as not charging.
func Evaluate(stats *telemetry.RealTimeStats, limits config.ResourceLimits) Decision {
	if stats == nil {
		return Decision{Reasons: []Reason{ReasonNoSample}}
	}

	// Negated so that NaN readings fail their clause.
	var reasons []Reason
	if !(stats.CPUUsage <= limits.MaxCPUPercent) {
		reasons = append(reasons, ReasonCPU)
	}
	if !(stats.MemoryUsedMB <= limits.MaxMemoryMB) {
		reasons = append(reasons, ReasonMemory)
	}
	if stats.Temperature != nil && !(*stats.Temperature <= limits.TemperatureThreshold) {
		reasons = append(reasons, ReasonTemperature)
	}
	if limits.OnlyWhenCharging && (stats.IsCharging == nil || !*stats.IsCharging) {
		reasons = append(reasons, ReasonNotCharging)
	}
	if limits.OnlyWhenIdle && !stats.IsIdle {
		reasons = append(reasons, ReasonNotIdle)
	}

	return Decision{Allowed: len(reasons) == 0, Reasons: reasons}
}

// CanContribute is the boolean form of Evaluate.
func CanContribute(stats *telemetry.RealTimeStats, limits config.ResourceLimits) bool {
	return Evaluate(stats, limits).Allowed
}
