// Package exporter serves telemetry over HTTP: Prometheus gauges, a
// websocket stream of every snapshot, and on-demand sampling.
package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cptspacemanspiff/device-telemetry/internal/eligibility"
	"github.com/cptspacemanspiff/device-telemetry/internal/telemetry"
)

const (
	namespace       = "device_telemetry"
	clientQueue     = 4
	writeTimeout    = 5 * time.Second
	sampleTimeout   = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type gauges struct {
	usage          *prometheus.GaugeVec
	memoryUsedMB   prometheus.Gauge
	temperature    prometheus.Gauge
	batteryLevel   prometheus.Gauge
	charging       prometheus.Gauge
	networkSpeed   prometheus.Gauge
	networkLatency prometheus.Gauge
	fps            prometheus.Gauge
	responseTime   prometheus.Gauge
	loadTime       prometheus.Gauge
	idle           prometheus.Gauge
	eligible       prometheus.Gauge
	samples        prometheus.Counter
	streamDrops    prometheus.Counter
}

func newGauges(reg prometheus.Registerer) *gauges {
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	g := &gauges{
		usage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_percent",
			Help:      "Estimated utilisation of a host resource.",
		}, []string{"resource"}),
		memoryUsedMB:   gauge("memory_used_mb", "Host memory in use, in megabytes."),
		temperature:    gauge("temperature_celsius", "Derived temperature estimate. NaN when unknown."),
		batteryLevel:   gauge("battery_level_percent", "Battery charge. NaN when unknown."),
		charging:       gauge("charging", "1 when on external power, 0 when not, NaN when unknown."),
		networkSpeed:   gauge("network_speed_kbps", "Synthetic transfer throughput."),
		networkLatency: gauge("network_latency_ms", "Round trip to the probe URL."),
		fps:            gauge("fps", "Render probe frames per second."),
		responseTime:   gauge("response_time_ms", "Goroutine handoff latency."),
		loadTime:       gauge("load_time_ms", "Wall time of the sampling pass."),
		idle:           gauge("idle", "1 when no user activity was seen within the idle window."),
		eligible:       gauge("eligible", "1 when background contribution is allowed."),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Snapshots observed.",
		}),
		streamDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_total",
			Help:      "Snapshots not delivered to a slow stream client.",
		}),
	}
	reg.MustRegister(g.usage, g.samples, g.streamDrops)
	return g
}

func optional(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (g *gauges) set(stats *telemetry.RealTimeStats) {
	g.usage.WithLabelValues("cpu").Set(stats.CPUUsage)
	g.usage.WithLabelValues("memory").Set(stats.MemoryUsage)
	g.usage.WithLabelValues("gpu").Set(stats.GPUUsage)
	g.memoryUsedMB.Set(stats.MemoryUsedMB)
	g.temperature.Set(optional(stats.Temperature))
	g.batteryLevel.Set(optional(stats.BatteryLevel))
	if stats.IsCharging == nil {
		g.charging.Set(math.NaN())
	} else {
		g.charging.Set(boolGauge(*stats.IsCharging))
	}
	g.networkSpeed.Set(stats.NetworkSpeedKBps)
	g.networkLatency.Set(stats.NetworkLatencyMs)
	g.fps.Set(stats.FPS)
	g.responseTime.Set(stats.ResponseTimeMs)
	g.loadTime.Set(stats.LoadTimeMs)
	g.idle.Set(boolGauge(stats.IsIdle))
	g.samples.Inc()
}

type client struct {
	send chan []byte
}

// Server is the HTTP exporter. Feed it snapshots with Observe.
type Server struct {
	log      *slog.Logger
	sampler  *telemetry.Sampler
	monitor  *eligibility.Monitor
	limiter  *rate.Limiter
	registry *prometheus.Registry
	gauges   *gauges
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	quit     chan struct{}
	quitOnce sync.Once
}

// New builds an exporter. A nil limiter leaves /sample unthrottled.
func New(sampler *telemetry.Sampler, monitor *eligibility.Monitor, limiter *rate.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	reg := prometheus.NewRegistry()
	return &Server{
		log:      logger,
		sampler:  sampler,
		monitor:  monitor,
		limiter:  limiter,
		registry: reg,
		gauges:   newGauges(reg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
		},
		clients: make(map[*client]struct{}),
		quit:    make(chan struct{}),
	}
}

// Observe updates the gauges and pushes stats to every stream client. It is
// meant to be a sampler subscriber and never blocks on a slow client.
func (s *Server) Observe(stats *telemetry.RealTimeStats) {
	s.gauges.set(stats)
	s.gauges.eligible.Set(boolGauge(s.decide(stats).Allowed))

	data, err := json.Marshal(stats)
	if err != nil {
		s.log.Error("encode snapshot", "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.gauges.streamDrops.Inc()
		}
	}
}

// decide returns the monitor's decision when it has already seen stats, so
// session drain is included, and evaluates the gate directly otherwise.
func (s *Server) decide(stats *telemetry.RealTimeStats) eligibility.Decision {
	if st := s.monitor.Status(); st != nil && st.Timestamp.Equal(stats.Timestamp) {
		return st.Decision
	}
	return eligibility.Evaluate(stats, s.monitor.Limits())
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Handler returns the exporter's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /sample", s.handleSample)
	mux.HandleFunc("GET /eligibility", s.handleEligibility)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("exporter listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve exporter: %w", err)
	case <-ctx.Done():
	}

	// Shutdown leaves hijacked websocket connections alone.
	s.quitOnce.Do(func() { close(s.quit) })
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown exporter: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve exporter: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "sampling requested too often"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), sampleTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.sampler.SampleOnce(ctx))
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": s.monitor.Status(),
		"limits": s.monitor.Limits(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	c := &client{send: make(chan []byte, clientQueue)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("stream client connected", "remote", r.RemoteAddr)
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.log.Debug("stream client disconnected", "remote", r.RemoteAddr)
	}()

	// Clients only listen; reading detects when they go away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
