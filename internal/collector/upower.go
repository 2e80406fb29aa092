package collector

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	upowerDest        = "org.freedesktop.UPower"
	displayDevicePath = "/org/freedesktop/UPower/devices/DisplayDevice"
	upowerDeviceIface = "org.freedesktop.UPower.Device"
)

// UPower device type and state enums.
const (
	upowerTypeBattery = 2

	upowerStateCharging      = 1
	upowerStateFullyCharged  = 4
	upowerStatePendingCharge = 5
)

var upowerStateNames = map[uint32]string{
	0: "Unknown",
	1: "Charging",
	2: "Discharging",
	3: "Empty",
	4: "Full",
	5: "Pending charge",
	6: "Pending discharge",
}

// UPowerReader reads the composite DisplayDevice that UPower maintains over
// all system batteries.
type UPowerReader struct {
	conn *dbus.Conn
}

func NewUPowerReader() (*UPowerReader, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &UPowerReader{conn: conn}, nil
}

func (u *UPowerReader) Read(ctx context.Context) (*BatteryState, error) {
	var props map[string]dbus.Variant
	obj := u.conn.Object(upowerDest, displayDevicePath)
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.GetAll", 0, upowerDeviceIface).Store(&props)
	if err != nil {
		return nil, fmt.Errorf("read upower display device: %w", err)
	}
	return batteryFromUPower(props)
}

func (u *UPowerReader) Close() error {
	return u.conn.Close()
}

func batteryFromUPower(props map[string]dbus.Variant) (*BatteryState, error) {
	present, _ := props["IsPresent"].Value().(bool)
	kind, _ := props["Type"].Value().(uint32)
	if !present || kind != upowerTypeBattery {
		return nil, ErrNoBattery
	}

	pct, ok := props["Percentage"].Value().(float64)
	if !ok {
		return nil, fmt.Errorf("upower percentage missing")
	}
	state, _ := props["State"].Value().(uint32)

	return &BatteryState{
		Level: pct,
		Charging: state == upowerStateCharging ||
			state == upowerStateFullyCharged ||
			state == upowerStatePendingCharge,
		Status: upowerStateNames[state],
		Source: "upower",
	}, nil
}
