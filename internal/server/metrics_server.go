package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/metrics"
)

// HealthChecker is a served store as seen by the readiness probe.
type HealthChecker interface {
	Name() string
	Healthy() bool
}

// MetricsServer serves Prometheus metrics and health probes via HTTP
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	stores     []HealthChecker
	logger     *zap.Logger
	interval   time.Duration
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
	Path string
	// StatsInterval is how often runtime stats are sampled.
	StatsInterval time.Duration
}

// NewMetricsServer creates a new metrics server exposing gatherer
func NewMetricsServer(cfg *MetricsServerConfig, gatherer prometheus.Gatherer, m *metrics.Metrics, stores []HealthChecker, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		stores:   stores,
		logger:   logger,
		interval: interval,
		stopChan: make(chan struct{}),
	}

	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	return ms
}

// Handler returns the HTTP handler, for tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the metrics server and blocks until it is stopped
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

type readiness struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	Unhealthy []string `json:"unhealthy_stores,omitempty"`
}

// readyHandler reports not ready while any store is unhealthy
func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := readiness{Status: "ready", Timestamp: time.Now().Format(time.RFC3339)}
	for _, st := range s.stores {
		if !st.Healthy() {
			resp.Unhealthy = append(resp.Unhealthy, st.Name())
		}
	}

	code := http.StatusOK
	if len(resp.Unhealthy) > 0 {
		resp.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write readiness", zap.Error(err))
	}
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MetricsServer) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	s.metrics.UpdateSystemStats(memStats.Alloc, runtime.NumGoroutine())
}
