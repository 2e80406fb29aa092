package dbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"golang.org/x/time/rate"

	"github.com/cptspacemanspiff/device-telemetry/internal/config"
	"github.com/cptspacemanspiff/device-telemetry/internal/eligibility"
	"github.com/cptspacemanspiff/device-telemetry/internal/storage"
	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

const (
	busName   = "org.freedesktop.DeviceTelemetry"
	objPath   = "/org/freedesktop/DeviceTelemetry"
	ifaceName = "org.freedesktop.DeviceTelemetry"

	errInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"
	errRateLimited = ifaceName + ".Error.RateLimited"

	maxRangeSeconds = 86400 * 365
	sampleTimeout   = 10 * time.Second
)

const introspectXML = `
<node>
  <interface name="` + ifaceName + `">
    <method name="GetCurrentStats">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetHistory">
      <arg direction="in" type="x" name="from_epoch"/>
      <arg direction="in" type="x" name="to_epoch"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetEligibilityHistory">
      <arg direction="in" type="x" name="from_epoch"/>
      <arg direction="in" type="x" name="to_epoch"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetCapabilities">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetEligibility">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="CanContribute">
      <arg direction="out" type="b" name="allowed"/>
    </method>
    <method name="GetLimits">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="UpdateLimits">
      <arg direction="in" type="s" name="json"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="RecordActivity"/>
    <method name="SampleNow">
      <arg direction="out" type="s" name="json"/>
    </method>
  </interface>
` + introspect.IntrospectDataString + `
</node>`

// Service exposes telemetry and the contribution gate over D-Bus.
type Service struct {
	store   *storage.DB
	sampler *telemetry.Sampler
	monitor *eligibility.Monitor
	limiter *rate.Limiter
}

// NewService creates a new D-Bus service. A nil limiter leaves SampleNow
// unthrottled.
func NewService(store *storage.DB, sampler *telemetry.Sampler, monitor *eligibility.Monitor, limiter *rate.Limiter) *Service {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Service{store: store, sampler: sampler, monitor: monitor, limiter: limiter}
}

// Export registers the service on the session bus.
func (s *Service) Export() (*godbus.Conn, error) {
	conn, err := godbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	if err := conn.Export(s, objPath, ifaceName); err != nil {
		return nil, fmt.Errorf("export service: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), objPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("name %s already taken", busName)
	}

	return conn, nil
}

func validateRange(fromEpoch, toEpoch int64) *godbus.Error {
	switch {
	case fromEpoch < 0 || toEpoch < 0:
		return godbus.NewError(errInvalidArgs, []any{"time range must not be negative"})
	case toEpoch < fromEpoch:
		return godbus.NewError(errInvalidArgs, []any{"to_epoch is before from_epoch"})
	case toEpoch-fromEpoch > maxRangeSeconds:
		return godbus.NewError(errInvalidArgs, []any{"time range exceeds 365 days"})
	}
	return nil
}

func marshal(v any) (string, *godbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}

// GetCurrentStats returns the latest snapshot and eligibility status as
// JSON. Before the first tick the last stored sample is used.
func (s *Service) GetCurrentStats() (string, *godbus.Error) {
	stats := s.sampler.Latest()
	if stats == nil {
		stored, err := s.store.LatestSample()
		if err != nil {
			return "", godbus.MakeFailedError(err)
		}
		stats = stored
	}
	return marshal(map[string]any{"stats": stats, "eligibility": s.monitor.Status()})
}

// GetHistory returns stored samples in a time range as JSON.
func (s *Service) GetHistory(fromEpoch, toEpoch int64) (string, *godbus.Error) {
	if err := validateRange(fromEpoch, toEpoch); err != nil {
		return "", err
	}
	samples, err := s.store.SamplesInRange(fromEpoch, toEpoch)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	if samples == nil {
		samples = []telemetry.RealTimeStats{}
	}
	return marshal(map[string]any{"samples": samples})
}

// GetEligibilityHistory returns recorded decision changes in a time range.
func (s *Service) GetEligibilityHistory(fromEpoch, toEpoch int64) (string, *godbus.Error) {
	if err := validateRange(fromEpoch, toEpoch); err != nil {
		return "", err
	}
	events, err := s.store.EligibilityEventsInRange(fromEpoch, toEpoch)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	if events == nil {
		events = []eligibility.Status{}
	}
	return marshal(events)
}

// GetCapabilities returns the most recent capability probe, or null.
func (s *Service) GetCapabilities() (string, *godbus.Error) {
	caps, err := s.store.LatestCapabilities()
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return marshal(caps)
}

// decision evaluates the latest snapshot against the current limits. A
// session already stopped for battery drain stays blocked.
func (s *Service) decision() eligibility.Decision {
	d := eligibility.Evaluate(s.sampler.Latest(), s.monitor.Limits())
	if st := s.monitor.Status(); d.Allowed && st != nil && slices.Contains(st.Decision.Reasons, eligibility.ReasonBatteryDrain) {
		return st.Decision
	}
	return d
}

func (s *Service) GetEligibility() (string, *godbus.Error) {
	return marshal(s.decision())
}

func (s *Service) CanContribute() (bool, *godbus.Error) {
	return s.decision().Allowed, nil
}

func (s *Service) GetLimits() (string, *godbus.Error) {
	return marshal(s.monitor.Limits())
}

// UpdateLimits merges the given JSON object over the current limits,
// validates the result and applies it from the next tick on. Unknown keys
// are rejected.
func (s *Service) UpdateLimits(limitsJSON string) (string, *godbus.Error) {
	limits := s.monitor.Limits()
	dec := json.NewDecoder(bytes.NewReader([]byte(limitsJSON)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&limits); err != nil {
		return "", godbus.NewError(errInvalidArgs, []any{fmt.Sprintf("decode limits: %v", err)})
	}
	if err := config.ValidateLimits(limits); err != nil {
		return "", godbus.NewError(errInvalidArgs, []any{err.Error()})
	}
	s.monitor.SetLimits(limits)
	return marshal(limits)
}

func (s *Service) RecordActivity() *godbus.Error {
	s.sampler.RecordActivity()
	return nil
}

// SampleNow runs a sampling pass outside the loop and returns it.
func (s *Service) SampleNow() (string, *godbus.Error) {
	if !s.limiter.Allow() {
		return "", godbus.NewError(errRateLimited, []any{"sampling requested too often"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()
	return marshal(s.sampler.SampleOnce(ctx))
}
