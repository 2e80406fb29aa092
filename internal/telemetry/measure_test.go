package telemetry

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUUsageFromTimings(t *testing.T) {
	tests := []struct {
		name              string
		baseline, elapsed time.Duration
		probeElapsed      time.Duration
		want              float64
	}{
		{
			name:         "half speed uncontended",
			baseline:     50 * time.Millisecond,
			elapsed:      100 * time.Millisecond,
			probeElapsed: loadProbeBaseline,
			want:         50,
		},
		{
			name:         "half speed with half load factor",
			baseline:     50 * time.Millisecond,
			elapsed:      100 * time.Millisecond,
			probeElapsed: loadProbeBaseline / 2,
			want:         25,
		},
		{
			name:         "load factor capped at one",
			baseline:     50 * time.Millisecond,
			elapsed:      100 * time.Millisecond,
			probeElapsed: 10 * loadProbeBaseline,
			want:         50,
		},
		{
			name:         "faster than baseline clamps",
			baseline:     50 * time.Millisecond,
			elapsed:      10 * time.Millisecond,
			probeElapsed: loadProbeBaseline,
			want:         100,
		},
		{
			name:         "no baseline",
			elapsed:      10 * time.Millisecond,
			probeElapsed: loadProbeBaseline,
			want:         0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cpuUsageFromTimings(tt.baseline, tt.elapsed, tt.probeElapsed, loadProbeBaseline)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestGPUUsageFromTimings(t *testing.T) {
	assert.InDelta(t, 0.0, gpuUsageFromTimings(10*time.Millisecond, 10*time.Millisecond), 0.001)
	assert.InDelta(t, 0.0, gpuUsageFromTimings(10*time.Millisecond, 5*time.Millisecond), 0.001)
	assert.InDelta(t, 50.0, gpuUsageFromTimings(10*time.Millisecond, 20*time.Millisecond), 0.001)
	assert.InDelta(t, 75.0, gpuUsageFromTimings(10*time.Millisecond, 40*time.Millisecond), 0.001)
}

func TestDeriveTemperature(t *testing.T) {
	tests := []struct {
		cpu, memory, gpu float64
		want             float64
	}{
		{0, 0, 0, 35},
		{20, 20, 20, 35},
		{21, 0, 0, 40},
		{100, 0, 0, 55},
		{0, 100, 0, 43},
		{0, 0, 100, 51},
		{100, 100, 100, 79},
		{45, 10, 65, 35 + 10 + 12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveTemperature(tt.cpu, tt.memory, tt.gpu), "cpu=%g memory=%g gpu=%g", tt.cpu, tt.memory, tt.gpu)
	}
}

func TestEstimatesStayInRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	randDuration := func() time.Duration {
		return time.Duration(rng.Int64N(int64(time.Second))) - 10*time.Millisecond
	}
	randPercent := func() float64 {
		return rng.Float64()*400 - 150
	}

	for i := 0; i < 2000; i++ {
		cpu := cpuUsageFromTimings(randDuration(), randDuration(), randDuration(), randDuration())
		gpu := gpuUsageFromTimings(randDuration(), randDuration())
		memory := memoryPressureFromTiming(randDuration(), randDuration())
		temp := DeriveTemperature(randPercent(), randPercent(), randPercent())

		for name, v := range map[string]float64{"cpu": cpu, "gpu": gpu, "memory": memory} {
			require.GreaterOrEqual(t, v, 0.0, name)
			require.LessOrEqual(t, v, 100.0, name)
		}
		require.GreaterOrEqual(t, temp, 25.0)
		require.LessOrEqual(t, temp, 95.0)
	}

	nan := math.NaN()
	assert.Equal(t, 0.0, clampPercent(nan))
	assert.Equal(t, 100.0, clampPercent(math.Inf(1)))
	temp := DeriveTemperature(nan, nan, nan)
	assert.GreaterOrEqual(t, temp, 25.0)
	assert.LessOrEqual(t, temp, 95.0)
}

func TestMemoryPressureFromTiming(t *testing.T) {
	assert.InDelta(t, 50.0, memoryPressureFromTiming(allocBaseline, allocBaseline), 0.001)
	assert.InDelta(t, 100.0, memoryPressureFromTiming(3*allocBaseline, allocBaseline), 0.001)
	assert.InDelta(t, 25.0, memoryPressureFromTiming(allocBaseline/2, allocBaseline), 0.001)
}

func TestFPSFromRender(t *testing.T) {
	assert.InDelta(t, 60.0, fpsFromRender(time.Millisecond, 10), 0.001)
	assert.InDelta(t, 20.0, fpsFromRender(500*time.Millisecond, 10), 0.001)
	assert.Equal(t, 0.0, fpsFromRender(0, 10))
}

func TestRealProbesProducePositiveTimings(t *testing.T) {
	assert.Positive(t, renderArcs(4))
	assert.Positive(t, pipeTransfer(transferSize))
	assert.Positive(t, timeAllocation())
	assert.GreaterOrEqual(t, goroutineHandoff(), time.Duration(0))
	assert.InDelta(t, 256.0, kbPerSecond(transferSize, time.Second), 0.001)
}

func TestHTTPPinger(t *testing.T) {
	var gotMethod, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rtt, err := HTTPPinger{URL: srv.URL, Client: srv.Client()}.Ping(context.Background())
	require.NoError(t, err)
	assert.Positive(t, rtt)
	assert.Equal(t, http.MethodHead, gotMethod)
	assert.Equal(t, defaultUserAgent, gotUA)
}

func TestHTTPPinger_Failures(t *testing.T) {
	_, err := HTTPPinger{}.Ping(context.Background())
	assert.ErrorIs(t, err, errNoProbeURL)

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err = HTTPPinger{URL: url}.Ping(context.Background())
	assert.Error(t, err)
}

func TestActivityTracker_DefaultWindow(t *testing.T) {
	a := NewActivityTracker(clock.NewMock(), 0)
	assert.Equal(t, DefaultIdleWindow, a.window)
}
