package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cptspacemanspiff/device-telemetry/internal/eligibility"
	"github.com/cptspacemanspiff/device-telemetry/internal/hardware"
	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	cpu_usage REAL NOT NULL,
	memory_usage REAL NOT NULL,
	memory_used_mb REAL NOT NULL,
	gpu_usage REAL NOT NULL,
	temperature REAL,
	battery_level REAL,
	is_charging INTEGER,
	network_speed_kbps REAL NOT NULL,
	network_latency_ms REAL NOT NULL,
	fps REAL NOT NULL,
	response_time_ms REAL NOT NULL,
	load_time_ms REAL NOT NULL,
	is_idle INTEGER NOT NULL,
	sources TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(timestamp);

CREATE TABLE IF NOT EXISTS capability_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capability_ts ON capability_snapshots(timestamp);

CREATE TABLE IF NOT EXISTS eligibility_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	allowed INTEGER NOT NULL,
	reasons TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	drain_pct REAL
);
CREATE INDEX IF NOT EXISTS idx_eligibility_ts ON eligibility_events(timestamp);
`

const sampleColumns = "timestamp, cpu_usage, memory_usage, memory_used_mb, gpu_usage, temperature, battery_level, is_charging, network_speed_kbps, network_latency_ms, fps, response_time_ms, load_time_ms, is_idle, sources"

// DB wraps a SQLite database of telemetry history.
type DB struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

// InsertSample stores one telemetry snapshot. Unknown fields stay NULL.
func (d *DB) InsertSample(s *telemetry.RealTimeStats) error {
	sources, err := json.Marshal(s.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	_, err = d.db.Exec(
		"INSERT INTO samples ("+sampleColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		s.Timestamp.Unix(), s.CPUUsage, s.MemoryUsage, s.MemoryUsedMB, s.GPUUsage,
		nullFloat(s.Temperature), nullFloat(s.BatteryLevel), nullBool(s.IsCharging),
		s.NetworkSpeedKBps, s.NetworkLatencyMs, s.FPS, s.ResponseTimeMs, s.LoadTimeMs,
		s.IsIdle, string(sources),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSample(row scanner) (telemetry.RealTimeStats, error) {
	var (
		s        telemetry.RealTimeStats
		ts       int64
		temp     sql.NullFloat64
		battery  sql.NullFloat64
		charging sql.NullBool
		sources  string
	)
	err := row.Scan(&ts, &s.CPUUsage, &s.MemoryUsage, &s.MemoryUsedMB, &s.GPUUsage,
		&temp, &battery, &charging,
		&s.NetworkSpeedKBps, &s.NetworkLatencyMs, &s.FPS, &s.ResponseTimeMs, &s.LoadTimeMs,
		&s.IsIdle, &sources)
	if err != nil {
		return s, err
	}
	s.Timestamp = time.Unix(ts, 0)
	s.Temperature = floatPtr(temp)
	s.BatteryLevel = floatPtr(battery)
	s.IsCharging = boolPtr(charging)
	if err := json.Unmarshal([]byte(sources), &s.Sources); err != nil {
		return s, fmt.Errorf("decode sources: %w", err)
	}
	return s, nil
}

// LatestSample returns the most recent sample, or nil when there is none.
func (d *DB) LatestSample() (*telemetry.RealTimeStats, error) {
	row := d.db.QueryRow("SELECT " + sampleColumns + " FROM samples ORDER BY timestamp DESC, id DESC LIMIT 1")
	s, err := scanSample(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SamplesInRange returns samples within the given unix time range.
func (d *DB) SamplesInRange(from, to int64) ([]telemetry.RealTimeStats, error) {
	rows, err := d.db.Query(
		"SELECT "+sampleColumns+" FROM samples WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id",
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var samples []telemetry.RealTimeStats
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// InsertCapabilities stores a capability snapshot as JSON.
func (d *DB) InsertCapabilities(c hardware.DeviceCapabilities) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = d.db.Exec(
		"INSERT INTO capability_snapshots (timestamp, data) VALUES (?, ?)",
		c.ProbedAt.Unix(), string(data),
	)
	return err
}

// LatestCapabilities returns the most recent capability snapshot.
func (d *DB) LatestCapabilities() (*hardware.DeviceCapabilities, error) {
	var data string
	err := d.db.QueryRow("SELECT data FROM capability_snapshots ORDER BY timestamp DESC, id DESC LIMIT 1").Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c hardware.DeviceCapabilities
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	c.Benchmark = time.Duration(c.BenchmarkMs * float64(time.Millisecond))
	return &c, nil
}

// InsertEligibilityEvent records a change of the eligibility decision.
func (d *DB) InsertEligibilityEvent(st eligibility.Status) error {
	reasons := make([]string, len(st.Decision.Reasons))
	for i, r := range st.Decision.Reasons {
		reasons[i] = string(r)
	}
	_, err := d.db.Exec(
		"INSERT INTO eligibility_events (timestamp, allowed, reasons, session_id, drain_pct) VALUES (?, ?, ?, ?, ?)",
		st.Timestamp.Unix(), st.Decision.Allowed, strings.Join(reasons, ","), st.SessionID, nullFloat(st.DrainPct),
	)
	return err
}

// EligibilityEventsInRange returns decision changes within the given unix
// time range.
func (d *DB) EligibilityEventsInRange(from, to int64) ([]eligibility.Status, error) {
	rows, err := d.db.Query(
		"SELECT timestamp, allowed, reasons, session_id, drain_pct FROM eligibility_events WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id",
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []eligibility.Status
	for rows.Next() {
		var (
			st      eligibility.Status
			ts      int64
			reasons string
			drain   sql.NullFloat64
		)
		if err := rows.Scan(&ts, &st.Decision.Allowed, &reasons, &st.SessionID, &drain); err != nil {
			return nil, err
		}
		st.Timestamp = time.Unix(ts, 0)
		st.DrainPct = floatPtr(drain)
		if reasons != "" {
			for _, r := range strings.Split(reasons, ",") {
				st.Decision.Reasons = append(st.Decision.Reasons, eligibility.Reason(r))
			}
		}
		events = append(events, st)
	}
	return events, rows.Err()
}
