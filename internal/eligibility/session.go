package eligibility

import (
	"time"

	"github.com/google/uuid"

	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

// Session is one stretch of contribution. It remembers the battery level it
// started at so drain can be bounded separately from the per-tick gate.
type Session struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	StartBattery *float64  `json:"start_battery,omitempty"`
}

// NewSession starts a session from the snapshot that allowed it.
func NewSession(stats *telemetry.RealTimeStats) *Session {
	s := &Session{ID: uuid.NewString()}
	if stats != nil {
		s.StartedAt = stats.Timestamp
		if stats.BatteryLevel != nil {
			level := *stats.BatteryLevel
			s.StartBattery = &level
		}
	}
	return s
}

// Drain returns how many battery percent points were used since the session
// started, and false when either reading is unknown.
func (s *Session) Drain(stats *telemetry.RealTimeStats) (float64, bool) {
	if s.StartBattery == nil || stats == nil || stats.BatteryLevel == nil {
		return 0, false
	}
	return *s.StartBattery - *stats.BatteryLevel, true
}

// DrainExceeded reports whether a discharging host has used more battery
// than maxDrainPercent since the session started. A zero limit disables the
// check, and charging hosts never exceed it.
func (s *Session) DrainExceeded(stats *telemetry.RealTimeStats, maxDrainPercent float64) bool {
	if maxDrainPercent <= 0 || stats == nil {
		return false
	}
	if stats.IsCharging != nil && *stats.IsCharging {
		return false
	}
	drain, ok := s.Drain(stats)
	return ok && drain > maxDrainPercent
}
