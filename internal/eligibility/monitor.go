package eligibility

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cptspacemanspiff/device-telemetry/internal/config"
	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

// Status is the monitor's current view.
type Status struct {
	Decision  Decision  `json:"decision"`
	SessionID string    `json:"session_id,omitempty"`
	DrainPct  *float64  `json:"drain_pct,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor applies the gate to each snapshot, tracks the contribution
// session it opens and enforces the session battery drain limit.
type Monitor struct {
	log *slog.Logger

	mu      sync.Mutex
	limits  config.ResourceLimits
	session *Session
	status  *Status
}

func NewMonitor(limits config.ResourceLimits, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{limits: limits, log: logger}
}

// SetLimits replaces the limits used from the next Observe on.
func (m *Monitor) SetLimits(limits config.ResourceLimits) {
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
	m.log.Info("limits replaced",
		"max_cpu_percent", limits.MaxCPUPercent,
		"max_memory_mb", limits.MaxMemoryMB,
		"temperature_threshold", limits.TemperatureThreshold,
		"only_when_charging", limits.OnlyWhenCharging,
		"only_when_idle", limits.OnlyWhenIdle)
}

func (m *Monitor) Limits() config.ResourceLimits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Status returns the last evaluation, or nil before the first.
func (m *Monitor) Status() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return nil
	}
	st := *m.status
	return &st
}

// Observe evaluates stats and reports whether the decision differs from
// the previous one.
func (m *Monitor) Observe(stats *telemetry.RealTimeStats) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Evaluate(stats, m.limits)
	switch {
	case !d.Allowed:
		if m.session != nil {
			m.log.Info("session ended", "session", m.session.ID, "reason", d.String())
		}
		m.session = nil
	case m.session == nil:
		m.session = NewSession(stats)
		m.log.Info("session started", "session", m.session.ID)
	case m.session.DrainExceeded(stats, m.limits.MaxBatteryDrainPercent):
		d = Decision{Reasons: []Reason{ReasonBatteryDrain}}
	}

	st := Status{Decision: d}
	if stats != nil {
		st.Timestamp = stats.Timestamp
	}
	if m.session != nil {
		st.SessionID = m.session.ID
		if drain, ok := m.session.Drain(stats); ok {
			st.DrainPct = &drain
		}
	}

	changed := m.status == nil || !m.status.Decision.Equal(d)
	m.status = &st
	if changed {
		m.log.Info("eligibility changed", "decision", d.String(), "session", st.SessionID)
	}
	return st, changed
}
