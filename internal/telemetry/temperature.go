package telemetry

const (
	baseTemperature = 35.0
	minTemperature  = 25.0
	maxTemperature  = 95.0
)

var usageBands = [...]float64{20, 40, 60, 80}

// Per-band increments in degrees.
const (
	cpuBandStep    = 5.0
	gpuBandStep    = 4.0
	memoryBandStep = 2.0
)

// DeriveTemperature estimates a temperature from usage levels. It is not a
// sensor reading: each band a usage exceeds adds a fixed step.
func DeriveTemperature(cpu, memory, gpu float64) float64 {
	t := baseTemperature
	for _, band := range usageBands {
		if cpu > band {
			t += cpuBandStep
		}
		if gpu > band {
			t += gpuBandStep
		}
		if memory > band {
			t += memoryBandStep
		}
	}
	return clamp(t, minTemperature, maxTemperature)
}
