package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	transferSize     = 256 << 10
	transferChunk    = 16 << 10
	FallbackLatency  = 100 * time.Millisecond
	defaultUserAgent = "device-telemetry"
)

var errNoProbeURL = errors.New("no latency probe URL configured")

// LatencyProber measures one network round trip.
type LatencyProber interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// HTTPPinger times a HEAD request. Any HTTP response counts as a completed
// round trip.
type HTTPPinger struct {
	URL       string
	UserAgent string
	Client    *http.Client
}

func (p HTTPPinger) Ping(ctx context.Context) (time.Duration, error) {
	if p.URL == "" {
		return 0, errNoProbeURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	ua := p.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Cache-Control", "no-cache")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", p.URL, err)
	}
	elapsed := time.Since(start)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return elapsed, nil
}

// pipeTransfer pushes size bytes through an in-memory pipe and returns how
// long the reader took to drain them.
func pipeTransfer(size int) time.Duration {
	pr, pw := io.Pipe()
	chunk := make([]byte, transferChunk)

	start := time.Now()
	go func() {
		for sent := 0; sent < size; sent += len(chunk) {
			n := min(len(chunk), size-sent)
			if _, err := pw.Write(chunk[:n]); err != nil {
				return
			}
		}
		pw.Close()
	}()
	_, _ = io.Copy(io.Discard, pr)
	elapsed := time.Since(start)
	if elapsed < time.Microsecond {
		elapsed = time.Microsecond
	}
	return elapsed
}

func kbPerSecond(size int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(size) / 1024 / elapsed.Seconds()
}

func (s *Sampler) measureNetwork(ctx context.Context) (speed float64, latencyMs float64, speedSrc, latencySrc Source) {
	speed = kbPerSecond(transferSize, s.probes.transfer(transferSize))

	if s.latency == nil {
		return speed, millis(FallbackLatency), SourceEstimated, SourceFallback
	}
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	rtt, err := s.latency.Ping(ctx)
	if err != nil {
		s.log.Debug("latency probe failed", "err", err)
		return speed, millis(FallbackLatency), SourceEstimated, SourceFallback
	}
	return speed, millis(rtt), SourceEstimated, SourceMeasured
}
