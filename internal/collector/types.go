package collector

// BatteryState is a snapshot of the battery as the platform reports it.
type BatteryState struct {
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
	Status   string  `json:"status"`
	Source   string  `json:"source"` // "upower" or "sysfs"
}
