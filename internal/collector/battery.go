package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysfsRoot is swapped by tests for a synthetic tree.
var sysfsRoot = "/sys"

// ErrNoBattery is returned when the host has no battery to report on.
var ErrNoBattery = errors.New("no battery found")

// ReadSysfsBattery reads battery state from /sys/class/power_supply/BAT*.
func ReadSysfsBattery() (*BatteryState, error) {
	matches, err := filepath.Glob(filepath.Join(sysfsRoot, "class/power_supply/BAT*"))
	if err != nil {
		return nil, fmt.Errorf("glob battery: %w", err)
	}
	if len(matches) == 0 {
		return nil, ErrNoBattery
	}

	data, err := os.ReadFile(filepath.Join(matches[0], "uevent"))
	if err != nil {
		return nil, fmt.Errorf("read uevent: %w", err)
	}

	props := parseUevent(string(data))
	level, ok := capacityPercent(props)
	if !ok {
		return nil, fmt.Errorf("battery %s reports no capacity", filepath.Base(matches[0]))
	}

	s := &BatteryState{
		Level:  level,
		Status: props["POWER_SUPPLY_STATUS"],
		Source: "sysfs",
	}

	// Some firmware reports "Discharging" at full capacity while on AC power.
	// Detect this and correct to "Full".
	acOnline := isACOnline()
	if s.Status == "Discharging" && s.Level >= 100 && acOnline {
		s.Status = "Full"
	}
	s.Charging = s.Status == "Charging" || s.Status == "Full" || acOnline

	return s, nil
}

// capacityPercent prefers the kernel's capacity and otherwise derives it
// from energy or charge counters.
func capacityPercent(props map[string]string) (float64, bool) {
	if v, err := strconv.ParseFloat(props["POWER_SUPPLY_CAPACITY"], 64); err == nil {
		return v, true
	}
	for _, pair := range [][2]string{
		{"POWER_SUPPLY_ENERGY_NOW", "POWER_SUPPLY_ENERGY_FULL"},
		{"POWER_SUPPLY_CHARGE_NOW", "POWER_SUPPLY_CHARGE_FULL"},
	} {
		now, err1 := strconv.ParseFloat(props[pair[0]], 64)
		full, err2 := strconv.ParseFloat(props[pair[1]], 64)
		if err1 == nil && err2 == nil && full > 0 {
			return now / full * 100, true
		}
	}
	return 0, false
}

// isACOnline checks if any AC adapter is online.
func isACOnline() bool {
	matches, err := filepath.Glob(filepath.Join(sysfsRoot, "class/power_supply/AC*/online"))
	if err != nil {
		return false
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err == nil && strings.TrimSpace(string(data)) == "1" {
			return true
		}
	}
	return false
}

func parseUevent(data string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			props[k] = v
		}
	}
	return props
}

// BatteryReader asks UPower first and falls back to sysfs.
type BatteryReader struct {
	upower *UPowerReader
	log    *slog.Logger
}

// NewBatteryReader connects to UPower when the system bus is reachable.
func NewBatteryReader(logger *slog.Logger) *BatteryReader {
	r := &BatteryReader{log: logger}
	up, err := NewUPowerReader()
	if err != nil {
		logger.Debug("upower unavailable, using sysfs", "err", err)
	} else {
		r.upower = up
	}
	return r
}

// Read returns the current battery state.
func (r *BatteryReader) Read(ctx context.Context) (*BatteryState, error) {
	if r.upower != nil {
		s, err := r.upower.Read(ctx)
		if err == nil {
			return s, nil
		}
		r.log.Debug("upower read failed, trying sysfs", "err", err)
	}
	return ReadSysfsBattery()
}

// ReadBattery adapts Read to the sampler's battery interface.
func (r *BatteryReader) ReadBattery(ctx context.Context) (float64, bool, error) {
	s, err := r.Read(ctx)
	if err != nil {
		return 0, false, err
	}
	return s.Level, s.Charging, nil
}

// Close releases the bus connection.
func (r *BatteryReader) Close() error {
	if r.upower == nil {
		return nil
	}
	return r.upower.Close()
}
