package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TransferMetrics tracks replica transfers. A nil *TransferMetrics is valid
// and records nothing.
type TransferMetrics struct {
	// Upload metrics
	Uploads        *prometheus.CounterVec // by outcome
	UploadAttempts prometheus.Counter
	Failovers      prometheus.Counter
	Confirmations  prometheus.Counter
	CommitWarnings prometheus.Counter
	UploadLatency  prometheus.Histogram
	BytesUploaded  prometheus.Counter
	BackgroundJobs prometheus.Gauge

	// Download metrics
	Downloads       *prometheus.CounterVec // by outcome
	BytesDownloaded prometheus.Counter

	// Catalogue metrics
	TicketsIssued   *prometheus.CounterVec // by mode
	BookingsExpired prometheus.Counter
	MirrorJobs      *prometheus.CounterVec // by result

	// Storage element metrics
	ElementRequests *prometheus.CounterVec // by method and code
}

// NewTransferMetrics creates and registers Prometheus metrics
func NewTransferMetrics(registry prometheus.Registerer) *TransferMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &TransferMetrics{
		Uploads: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "gridxfer_uploads_total",
			Help: "Uploads by outcome",
		}, []string{"outcome"}),
		UploadAttempts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "gridxfer_upload_attempts_total",
			Help: "Per-replica upload attempts, failovers included",
		}),
		Failovers: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "gridxfer_failovers_total",
			Help: "Substitute replicas requested after a transport failure",
		}),
		Confirmations: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "gridxfer_confirmations_total",
			Help: "Write tickets confirmed by a storage element",
		}),
		CommitWarnings: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "gridxfer_commit_warnings_total",
			Help: "Commits where the catalogue accepted fewer envelopes than submitted",
		}),
		UploadLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "gridxfer_upload_latency_seconds",
			Help:    "Time until the caller got an upload outcome",
			Buckets: prometheus.DefBuckets,
		}),
		BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "gridxfer_uploaded_bytes_total",
			Help: "Bytes written to storage elements",
		}),
		BackgroundJobs: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "gridxfer_background_jobs",
			Help: "Uploads still finishing in the background",
		}),

		Downloads: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "gridxfer_downloads_total",
			Help: "Downloaded files by outcome",
		}, []string{"outcome"}),
		BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "gridxfer_downloaded_bytes_total",
			Help: "Bytes read from storage elements",
		}),

		TicketsIssued: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "gridxfer_tickets_issued_total",
			Help: "Access tickets issued by mode",
		}, []string{"mode"}),
		BookingsExpired: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "gridxfer_bookings_expired_total",
			Help: "Write bookings released because their ticket expired",
		}),
		MirrorJobs: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "gridxfer_mirror_jobs_total",
			Help: "Mirror jobs by result",
		}, []string{"result"}),

		ElementRequests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "gridxfer_element_requests_total",
			Help: "Storage element requests by method and status code",
		}, []string{"method", "code"}),
	}
}

func (m *TransferMetrics) UploadFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(outcome).Inc()
	m.UploadLatency.Observe(seconds)
}

func (m *TransferMetrics) Attempt() {
	if m == nil {
		return
	}
	m.UploadAttempts.Inc()
}

func (m *TransferMetrics) Failover() {
	if m == nil {
		return
	}
	m.Failovers.Inc()
}

func (m *TransferMetrics) Confirmed(bytes int64) {
	if m == nil {
		return
	}
	m.Confirmations.Inc()
	m.BytesUploaded.Add(float64(bytes))
}

func (m *TransferMetrics) CommitWarning() {
	if m == nil {
		return
	}
	m.CommitWarnings.Inc()
}

func (m *TransferMetrics) BackgroundStarted() {
	if m == nil {
		return
	}
	m.BackgroundJobs.Inc()
}

func (m *TransferMetrics) BackgroundFinished() {
	if m == nil {
		return
	}
	m.BackgroundJobs.Dec()
}

func (m *TransferMetrics) DownloadFinished(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(outcome).Inc()
	m.BytesDownloaded.Add(float64(bytes))
}

func (m *TransferMetrics) TicketIssued(mode string) {
	if m == nil {
		return
	}
	m.TicketsIssued.WithLabelValues(mode).Inc()
}

func (m *TransferMetrics) BookingExpired() {
	if m == nil {
		return
	}
	m.BookingsExpired.Inc()
}

func (m *TransferMetrics) MirrorJob(result string) {
	if m == nil {
		return
	}
	m.MirrorJobs.WithLabelValues(result).Inc()
}

func (m *TransferMetrics) ElementRequest(method, code string) {
	if m == nil {
		return
	}
	m.ElementRequests.WithLabelValues(method, code).Inc()
}
