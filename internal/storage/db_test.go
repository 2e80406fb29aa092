package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cptspacemanspiff/device-telemetry/internal/eligibility"
	"github.com/cptspacemanspiff/device-telemetry/internal/hardware"
	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})

	return db
}

func ptr[T any](v T) *T { return &v }

func testSample(ts int64, cpu float64) *telemetry.RealTimeStats {
	return &telemetry.RealTimeStats{
		CPUUsage:         cpu,
		MemoryUsage:      40,
		MemoryUsedMB:     128,
		GPUUsage:         12,
		Temperature:      ptr(45.0),
		BatteryLevel:     ptr(80.0),
		IsCharging:       ptr(true),
		NetworkSpeedKBps: 2048,
		NetworkLatencyMs: 20,
		FPS:              60,
		ResponseTimeMs:   1.5,
		LoadTimeMs:       3,
		Timestamp:        time.Unix(ts, 0),
		Sources: telemetry.Provenance{
			CPU:         telemetry.SourceMeasured,
			Temperature: telemetry.SourceDerived,
			Battery:     telemetry.SourceMeasured,
		},
	}
}

func TestSampleRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if err := db.InsertSample(testSample(10, 20)); err != nil {
		t.Fatalf("InsertSample(ts=10) error = %v", err)
	}
	if err := db.InsertSample(testSample(20, 30)); err != nil {
		t.Fatalf("InsertSample(ts=20) error = %v", err)
	}

	latest, err := db.LatestSample()
	if err != nil {
		t.Fatalf("LatestSample() error = %v", err)
	}
	if latest == nil || latest.Timestamp.Unix() != 20 || latest.CPUUsage != 30 {
		t.Fatalf("LatestSample() = %#v, want timestamp=20 cpu_usage=30", latest)
	}
	if latest.BatteryLevel == nil || *latest.BatteryLevel != 80 {
		t.Fatalf("LatestSample().BatteryLevel = %v, want 80", latest.BatteryLevel)
	}
	if latest.IsCharging == nil || !*latest.IsCharging {
		t.Fatalf("LatestSample().IsCharging = %v, want true", latest.IsCharging)
	}
	if latest.Sources.Temperature != telemetry.SourceDerived {
		t.Fatalf("LatestSample().Sources = %v, want temperature=derived", latest.Sources)
	}

	ranged, err := db.SamplesInRange(10, 15)
	if err != nil {
		t.Fatalf("SamplesInRange() error = %v", err)
	}
	if len(ranged) != 1 || ranged[0].Timestamp.Unix() != 10 {
		t.Fatalf("SamplesInRange() = %#v, want one row at ts=10", ranged)
	}
}

func TestSampleUnknownFieldsStayNil(t *testing.T) {
	db := openTestDB(t)

	s := testSample(5, 10)
	s.Temperature = nil
	s.BatteryLevel = nil
	s.IsCharging = nil
	if err := db.InsertSample(s); err != nil {
		t.Fatalf("InsertSample() error = %v", err)
	}

	latest, err := db.LatestSample()
	if err != nil {
		t.Fatalf("LatestSample() error = %v", err)
	}
	if latest.Temperature != nil || latest.BatteryLevel != nil || latest.IsCharging != nil {
		t.Fatalf("LatestSample() = %#v, want nil temperature/battery/charging", latest)
	}
}

func TestLatestOnEmptyDB(t *testing.T) {
	db := openTestDB(t)

	s, err := db.LatestSample()
	if err != nil || s != nil {
		t.Fatalf("LatestSample() = (%v, %v), want (nil, nil)", s, err)
	}
	c, err := db.LatestCapabilities()
	if err != nil || c != nil {
		t.Fatalf("LatestCapabilities() = (%v, %v), want (nil, nil)", c, err)
	}
}

func TestCapabilitiesRoundTrip(t *testing.T) {
	db := openTestDB(t)

	caps := hardware.DeviceCapabilities{
		LogicalCores:  8,
		TotalMemoryGB: 16,
		Platform:      "Linux",
		DeviceClass:   hardware.ClassDesktop,
		Benchmark:     12 * time.Millisecond,
		BenchmarkMs:   12,
		ProbedAt:      time.Unix(100, 0),
	}
	if err := db.InsertCapabilities(caps); err != nil {
		t.Fatalf("InsertCapabilities() error = %v", err)
	}

	got, err := db.LatestCapabilities()
	if err != nil {
		t.Fatalf("LatestCapabilities() error = %v", err)
	}
	if got == nil || got.LogicalCores != 8 || got.Platform != "Linux" || got.DeviceClass != hardware.ClassDesktop {
		t.Fatalf("LatestCapabilities() = %#v, want cores=8 platform=Linux class=desktop", got)
	}
	if got.Benchmark != 12*time.Millisecond {
		t.Fatalf("LatestCapabilities().Benchmark = %v, want 12ms", got.Benchmark)
	}
}

func TestEligibilityEventRoundTrip(t *testing.T) {
	db := openTestDB(t)

	blocked := eligibility.Status{
		Decision:  eligibility.Decision{Reasons: []eligibility.Reason{eligibility.ReasonCPU, eligibility.ReasonNotCharging}},
		Timestamp: time.Unix(10, 0),
	}
	allowed := eligibility.Status{
		Decision:  eligibility.Decision{Allowed: true},
		SessionID: "abc",
		DrainPct:  ptr(1.5),
		Timestamp: time.Unix(20, 0),
	}
	for _, st := range []eligibility.Status{blocked, allowed} {
		if err := db.InsertEligibilityEvent(st); err != nil {
			t.Fatalf("InsertEligibilityEvent(ts=%d) error = %v", st.Timestamp.Unix(), err)
		}
	}

	events, err := db.EligibilityEventsInRange(0, 100)
	if err != nil {
		t.Fatalf("EligibilityEventsInRange() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("EligibilityEventsInRange() = %#v, want 2 rows", events)
	}
	if !events[0].Decision.Equal(blocked.Decision) {
		t.Fatalf("events[0].Decision = %v, want %v", events[0].Decision, blocked.Decision)
	}
	if !events[1].Decision.Allowed || events[1].SessionID != "abc" || events[1].DrainPct == nil || *events[1].DrainPct != 1.5 {
		t.Fatalf("events[1] = %#v, want allowed session=abc drain=1.5", events[1])
	}
	if events[0].DrainPct != nil {
		t.Fatalf("events[0].DrainPct = %v, want nil", *events[0].DrainPct)
	}
}
