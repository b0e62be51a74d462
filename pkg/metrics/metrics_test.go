package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestTransferMetrics_Creation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewTransferMetrics(registry)

	if m.Uploads == nil {
		t.Error("Uploads metric not created")
	}
	if m.TicketsIssued == nil {
		t.Error("TicketsIssued metric not created")
	}
	if m.ElementRequests == nil {
		t.Error("ElementRequests metric not created")
	}
}

func TestTransferMetrics_Recording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewTransferMetrics(registry)

	m.UploadFinished("partial", 0.2)
	m.Attempt()
	m.Attempt()
	m.Failover()
	m.Confirmed(100)
	m.BackgroundStarted()
	m.BackgroundStarted()
	m.BackgroundFinished()

	if got := testutil.ToFloat64(m.Uploads.WithLabelValues("partial")); got != 1 {
		t.Errorf("Expected 1 partial upload, got %f", got)
	}
	if got := testutil.ToFloat64(m.UploadAttempts); got != 2 {
		t.Errorf("Expected 2 attempts, got %f", got)
	}
	if got := testutil.ToFloat64(m.BytesUploaded); got != 100 {
		t.Errorf("Expected 100 bytes, got %f", got)
	}
	if got := testutil.ToFloat64(m.BackgroundJobs); got != 1 {
		t.Errorf("Expected 1 background job, got %f", got)
	}
}

func TestTransferMetrics_NilSafe(t *testing.T) {
	var m *TransferMetrics
	m.UploadFinished("ok", 1)
	m.Attempt()
	m.TicketIssued("read")
	m.ElementRequest("Put", "OK")
}

func TestHealthEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewTransferMetrics(registry)
	m.TicketIssued("write")

	var readyErr error
	he := NewHealthEndpoint("SE-A", func() error { return readyErr }, registry, zap.NewNop())
	mux := http.NewServeMux()
	he.RegisterHandlers(mux)

	tests := []struct {
		path         string
		expectedCode int
		contains     string
	}{
		{"/health/live", http.StatusOK, "OK"},
		{"/health/ready", http.StatusOK, "READY"},
		{"/health", http.StatusOK, "healthy"},
		{"/metrics", http.StatusOK, "gridxfer_tickets_issued_total"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.expectedCode {
				t.Errorf("Expected status %d, got %d", tt.expectedCode, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Expected body to contain %q, got %q", tt.contains, rec.Body.String())
			}
		})
	}

	readyErr = errors.New("data directory missing")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when not ready, got %d", rec.Code)
	}
}
