// Package metrics provides Prometheus metrics for the JustFiles server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justfiles_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "justfiles_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "justfiles_content_bytes_downloaded_total",
			Help: "Total bytes streamed out of the blob store",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "justfiles_content_bytes_uploaded_total",
			Help: "Total bytes written into the blob store",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justfiles_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justfiles_content_uploads_total",
			Help: "Total number of content uploads",
		},
		[]string{"status"},
	)

	// Quota metrics
	quotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "justfiles_quota_rejections_total",
			Help: "Total number of uploads rejected at quota admission",
		},
	)

	// Security metrics
	sandboxViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "justfiles_sandbox_violations_total",
			Help: "Total number of rejected physical paths",
		},
	)

	forbiddenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "justfiles_forbidden_total",
			Help: "Total number of ownership/visibility rejections",
		},
	)

	// Cascade metrics
	cascadeItems = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "justfiles_cascade_items",
			Help:    "Number of items touched per cascading operation",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 499},
		},
		[]string{"op"},
	)

	archiveExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justfiles_archive_exports_total",
			Help: "Total number of folder exports",
		},
		[]string{"status"},
	)

	blobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "justfiles_blob_operation_duration_seconds",
			Help:    "Blob backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "success"},
	)

	// Store metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "justfiles_db_query_duration_seconds",
			Help:    "Metadata store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	itemCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "justfiles_items_total",
			Help: "Number of items known to the metadata store",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "justfiles_sse_connections_active",
			Help: "Number of active SSE subscribers",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justfiles_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"success"},
	)

	// Rate limit metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "justfiles_rate_limit_hits_total",
			Help: "Total number of rate-limited requests",
		},
	)
)

// RecordContentDownload records a content download.
func RecordContentDownload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	contentDownloadsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		contentBytesDownloaded.Add(float64(bytes))
	}
}

// RecordContentUpload records a content upload.
func RecordContentUpload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	contentUploadsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		contentBytesUploaded.Add(float64(bytes))
	}
}

// RecordQuotaRejection records a rejected quota admission.
func RecordQuotaRejection() {
	quotaRejectionsTotal.Inc()
}

// RecordSandboxViolation records a rejected physical path.
func RecordSandboxViolation() {
	sandboxViolationsTotal.Inc()
}

// RecordForbidden records an ownership or visibility rejection.
func RecordForbidden() {
	forbiddenTotal.Inc()
}

// RecordCascade records the size of a cascading operation.
func RecordCascade(op string, items int) {
	cascadeItems.WithLabelValues(op).Observe(float64(items))
}

// RecordArchiveExport records a folder export.
func RecordArchiveExport(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	archiveExportsTotal.WithLabelValues(status).Inc()
}

// RecordBlobOperation records a blob backend operation.
func RecordBlobOperation(operation string, d time.Duration, success bool) {
	blobOperationDuration.WithLabelValues(operation, strconv.FormatBool(success)).Observe(d.Seconds())
}

// RecordDBQuery records a metadata store query duration.
func RecordDBQuery(query string, d time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(d.Seconds())
}

// SetItemCount sets the metadata item gauge.
func SetItemCount(n int64) {
	itemCount.Set(float64(n))
}

// SetSSEConnectionsActive sets the active SSE subscriber gauge.
func SetSSEConnectionsActive(n int64) {
	sseConnectionsActive.Set(float64(n))
}

// RecordAuthAttempt records a login or token validation attempt.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordRateLimitHit records a rate-limited request.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
