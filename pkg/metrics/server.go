// Package metrics provides Prometheus metrics and a health endpoint for
// thermopilotd
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thermopilot/thermopilot/pkg/logx"
)

// Server exposes /metrics and /health.
type Server struct {
	logger *logx.Logger
	server *http.Server
	start  time.Time

	// Prometheus metrics
	learnedSlope *prometheus.GaugeVec
	cachedCycles *prometheus.GaugeVec
	confidence   *prometheus.GaugeVec
	anticipation *prometheus.GaugeVec

	predictions     *prometheus.CounterVec
	cyclesDetected  *prometheus.CounterVec
	overshootAborts *prometheus.CounterVec
	refreshErrors   *prometheus.CounterVec
	retrains        *prometheus.CounterVec
}

// NewServer creates a metrics server and registers all metrics
func NewServer(logger *logx.Logger) *Server {
	s := &Server{logger: logger, start: time.Now()}
	s.registerMetrics()
	return s
}

func (s *Server) registerMetrics() {
	s.learnedSlope = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "thermopilot_learned_slope_celsius_per_hour",
			Help: "Current learned heating slope per room",
		},
		[]string{"room"},
	)

	s.cachedCycles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "thermopilot_cached_cycles",
			Help: "Number of heating cycles in the cache per room",
		},
		[]string{"room"},
	)

	s.confidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "thermopilot_prediction_confidence_percent",
			Help: "Confidence of the most recent prediction per room",
		},
		[]string{"room"},
	)

	s.anticipation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "thermopilot_anticipation_minutes",
			Help: "Anticipation of the most recent prediction per room",
		},
		[]string{"room"},
	)

	s.predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermopilot_predictions_total",
			Help: "Predictions computed per room and path",
		},
		[]string{"room", "path"},
	)

	s.cyclesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermopilot_cycles_detected_total",
			Help: "Heating cycles detected per room",
		},
		[]string{"room"},
	)

	s.overshootAborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermopilot_overshoot_aborts_total",
			Help: "Preheats aborted by the overshoot guard per room",
		},
		[]string{"room"},
	)

	s.refreshErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermopilot_refresh_errors_total",
			Help: "Cycle cache refreshes skipped due to history failures",
		},
		[]string{"room"},
	)

	s.retrains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermopilot_model_retrains_total",
			Help: "Model retrains per room and outcome",
		},
		[]string{"room", "outcome"},
	)

	prometheus.MustRegister(
		s.learnedSlope,
		s.cachedCycles,
		s.confidence,
		s.anticipation,
		s.predictions,
		s.cyclesDetected,
		s.overshootAborts,
		s.refreshErrors,
		s.retrains,
	)
}

// Start starts the metrics listener
func (s *Server) Start(port int) error {
	s.logger.Info("starting metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.start).Seconds()),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// SetRoomState updates the per-room gauges after a cache refresh.
func (s *Server) SetRoomState(room string, slope float64, cycles int) {
	s.learnedSlope.WithLabelValues(room).Set(slope)
	s.cachedCycles.WithLabelValues(room).Set(float64(cycles))
}

// RecordPrediction records a computed prediction and its gauges.
func (s *Server) RecordPrediction(room, path string, anticipationMins, confidence float64) {
	s.predictions.WithLabelValues(room, path).Inc()
	s.anticipation.WithLabelValues(room).Set(anticipationMins)
	s.confidence.WithLabelValues(room).Set(confidence)
}

// RecordCyclesDetected counts newly detected cycles.
func (s *Server) RecordCyclesDetected(room string, n int) {
	s.cyclesDetected.WithLabelValues(room).Add(float64(n))
}

// RecordOvershootAbort counts a guard-triggered abort.
func (s *Server) RecordOvershootAbort(room string) {
	s.overshootAborts.WithLabelValues(room).Inc()
}

// RecordRefreshError counts a refresh skipped on history failure.
func (s *Server) RecordRefreshError(room string) {
	s.refreshErrors.WithLabelValues(room).Inc()
}

// RecordRetrain counts a retrain attempt: "installed" or "rejected".
func (s *Server) RecordRetrain(room, outcome string) {
	s.retrains.WithLabelValues(room, outcome).Inc()
}
