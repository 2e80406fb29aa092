package dbus

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"golang.org/x/time/rate"

	"github.com/cptspacemanspiff/device-telemetry/internal/config"
	"github.com/cptspacemanspiff/device-telemetry/internal/eligibility"
	"github.com/cptspacemanspiff/device-telemetry/internal/hardware"
	"github.com/cptspacemanspiff/device-telemetry/internal/storage"
	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

func newTestService(t *testing.T, limiter *rate.Limiter) (*Service, *storage.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("db.Close() error = %v", err)
		}
	})

	sampler := telemetry.NewSampler(telemetry.Options{
		Baseline:            time.Millisecond,
		BenchmarkIterations: 1000,
		SysRoot:             t.TempDir(),
	})
	monitor := eligibility.NewMonitor(config.DefaultLimits(), nil)
	return NewService(db, sampler, monitor, limiter), db
}

func TestService_InvalidTimeRanges(t *testing.T) {
	svc, _ := newTestService(t, nil)

	methods := map[string]func(int64, int64) (string, *godbus.Error){
		"GetHistory":            svc.GetHistory,
		"GetEligibilityHistory": svc.GetEligibilityHistory,
	}
	ranges := []struct {
		name     string
		from, to int64
	}{
		{"negative from", -1, 0},
		{"to before from", 10, 9},
		{"range too large", 0, 86400 * 366},
	}

	for name, call := range methods {
		for _, r := range ranges {
			t.Run(name+" "+r.name, func(t *testing.T) {
				_, err := call(r.from, r.to)
				if err == nil {
					t.Fatal("expected D-Bus error, got nil")
				}
				if err.Name != errInvalidArgs {
					t.Fatalf("error name = %q, want %q", err.Name, errInvalidArgs)
				}
			})
		}
	}
}

func TestService_SuccessJSONShapes(t *testing.T) {
	svc, db := newTestService(t, nil)

	level := 80.0
	if err := db.InsertSample(&telemetry.RealTimeStats{CPUUsage: 12, BatteryLevel: &level, Timestamp: time.Unix(100, 0)}); err != nil {
		t.Fatalf("InsertSample() error = %v", err)
	}
	if err := db.InsertEligibilityEvent(eligibility.Status{Decision: eligibility.Decision{Allowed: true}, SessionID: "s1", Timestamp: time.Unix(100, 0)}); err != nil {
		t.Fatalf("InsertEligibilityEvent() error = %v", err)
	}
	if err := db.InsertCapabilities(hardware.DeviceCapabilities{LogicalCores: 4, ProbedAt: time.Unix(100, 0)}); err != nil {
		t.Fatalf("InsertCapabilities() error = %v", err)
	}

	currentJSON, dbusErr := svc.GetCurrentStats()
	if dbusErr != nil {
		t.Fatalf("GetCurrentStats() error = %v", dbusErr)
	}
	var current struct {
		Stats *telemetry.RealTimeStats `json:"stats"`
	}
	if err := json.Unmarshal([]byte(currentJSON), &current); err != nil {
		t.Fatalf("unmarshal current JSON: %v", err)
	}
	if current.Stats == nil || current.Stats.CPUUsage != 12 {
		t.Fatalf("current JSON = %s, want stored sample with cpu_usage=12", currentJSON)
	}

	historyJSON, dbusErr := svc.GetHistory(0, 200)
	if dbusErr != nil {
		t.Fatalf("GetHistory() error = %v", dbusErr)
	}
	var history map[string][]json.RawMessage
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		t.Fatalf("unmarshal history JSON: %v", err)
	}
	if len(history["samples"]) != 1 {
		t.Fatalf("history JSON = %s, want one sample", historyJSON)
	}

	eventsJSON, dbusErr := svc.GetEligibilityHistory(0, 200)
	if dbusErr != nil {
		t.Fatalf("GetEligibilityHistory() error = %v", dbusErr)
	}
	var events []eligibility.Status
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		t.Fatalf("unmarshal eligibility JSON array: %v", err)
	}
	if len(events) != 1 || events[0].SessionID != "s1" {
		t.Fatalf("eligibility JSON = %s, want one event for session s1", eventsJSON)
	}

	capsJSON, dbusErr := svc.GetCapabilities()
	if dbusErr != nil {
		t.Fatalf("GetCapabilities() error = %v", dbusErr)
	}
	if !strings.Contains(capsJSON, `"logical_cores":4`) {
		t.Fatalf("capabilities JSON = %s, want logical_cores=4", capsJSON)
	}
}

func TestService_EmptyHistoryIsArray(t *testing.T) {
	svc, _ := newTestService(t, nil)

	historyJSON, dbusErr := svc.GetHistory(0, 10)
	if dbusErr != nil {
		t.Fatalf("GetHistory() error = %v", dbusErr)
	}
	if historyJSON != `{"samples":[]}` {
		t.Fatalf("GetHistory() = %s, want empty samples array", historyJSON)
	}

	eventsJSON, dbusErr := svc.GetEligibilityHistory(0, 10)
	if dbusErr != nil {
		t.Fatalf("GetEligibilityHistory() error = %v", dbusErr)
	}
	if eventsJSON != "[]" {
		t.Fatalf("GetEligibilityHistory() = %s, want []", eventsJSON)
	}
}

func TestService_CanContributeWithoutSample(t *testing.T) {
	svc, _ := newTestService(t, nil)

	allowed, dbusErr := svc.CanContribute()
	if dbusErr != nil {
		t.Fatalf("CanContribute() error = %v", dbusErr)
	}
	if allowed {
		t.Fatal("CanContribute() = true before any sample, want false")
	}

	decisionJSON, dbusErr := svc.GetEligibility()
	if dbusErr != nil {
		t.Fatalf("GetEligibility() error = %v", dbusErr)
	}
	if !strings.Contains(decisionJSON, string(eligibility.ReasonNoSample)) {
		t.Fatalf("GetEligibility() = %s, want reason %s", decisionJSON, eligibility.ReasonNoSample)
	}
}

func TestService_UpdateLimits(t *testing.T) {
	svc, _ := newTestService(t, nil)

	got, dbusErr := svc.UpdateLimits(`{"max_cpu_percent": 60, "only_when_charging": false}`)
	if dbusErr != nil {
		t.Fatalf("UpdateLimits() error = %v", dbusErr)
	}
	var limits config.ResourceLimits
	if err := json.Unmarshal([]byte(got), &limits); err != nil {
		t.Fatalf("unmarshal limits JSON: %v", err)
	}
	want := config.DefaultLimits()
	want.MaxCPUPercent = 60
	want.OnlyWhenCharging = false
	if limits != want {
		t.Fatalf("UpdateLimits() = %+v, want %+v", limits, want)
	}
	if svc.monitor.Limits() != want {
		t.Fatalf("monitor limits = %+v, want %+v", svc.monitor.Limits(), want)
	}

	for _, bad := range []string{
		`{"max_cpu_percent": 150}`,
		`{"temperature_threshold": 5}`,
		`{"unknown_key": 1}`,
		`not json`,
	} {
		if _, dbusErr := svc.UpdateLimits(bad); dbusErr == nil {
			t.Fatalf("UpdateLimits(%s) error = nil, want error", bad)
		}
	}
	if svc.monitor.Limits() != want {
		t.Fatalf("rejected update changed limits to %+v", svc.monitor.Limits())
	}
}

func TestService_RecordActivity(t *testing.T) {
	svc, _ := newTestService(t, nil)

	before := svc.sampler.Activity().LastActivity()
	time.Sleep(5 * time.Millisecond)
	if dbusErr := svc.RecordActivity(); dbusErr != nil {
		t.Fatalf("RecordActivity() error = %v", dbusErr)
	}
	if !svc.sampler.Activity().LastActivity().After(before) {
		t.Fatal("RecordActivity() did not advance last activity")
	}
}

func TestService_SampleNowRateLimited(t *testing.T) {
	svc, _ := newTestService(t, rate.NewLimiter(rate.Every(time.Hour), 1))

	statsJSON, dbusErr := svc.SampleNow()
	if dbusErr != nil {
		t.Fatalf("SampleNow() error = %v", dbusErr)
	}
	var stats telemetry.RealTimeStats
	if err := json.Unmarshal([]byte(statsJSON), &stats); err != nil {
		t.Fatalf("unmarshal sample JSON: %v", err)
	}
	if stats.Timestamp.IsZero() {
		t.Fatalf("SampleNow() = %s, want a timestamp", statsJSON)
	}

	_, dbusErr = svc.SampleNow()
	if dbusErr == nil || dbusErr.Name != errRateLimited {
		t.Fatalf("second SampleNow() error = %v, want %s", dbusErr, errRateLimited)
	}
}
