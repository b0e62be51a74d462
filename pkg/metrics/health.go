package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthEndpoint serves liveness, readiness and Prometheus metrics over HTTP
type HealthEndpoint struct {
	name     string
	ready    func() error
	gatherer prometheus.Gatherer
	started  time.Time
	logger   *zap.Logger
}

// NewHealthEndpoint creates health check HTTP handlers. ready is consulted by
// /health/ready and /health; a nil ready always reports ready.
func NewHealthEndpoint(name string, ready func() error, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &HealthEndpoint{
		name:     name,
		ready:    ready,
		gatherer: gatherer,
		started:  time.Now(),
		logger:   logger,
	}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

func (he *HealthEndpoint) check() error {
	if he.ready == nil {
		return nil
	}
	return he.ready()
}

// handleHealth provides detailed health information
func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	response := map[string]interface{}{
		"name":   he.name,
		"uptime": time.Since(he.started).Round(time.Second).String(),
	}

	if err := he.check(); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		response["error"] = err.Error()
	}
	response["status"] = status

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		he.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := he.check(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}
