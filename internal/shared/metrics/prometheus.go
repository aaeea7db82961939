package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	invoicesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "einvoicing_invoices_submitted_total",
			Help: "Total number of invoices submitted to the authority",
		},
		[]string{"stage", "invoice_type", "outcome"},
	)

	authorityRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "einvoicing_authority_request_duration_seconds",
			Help:    "Authority API request duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status"},
	)

	chainOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "einvoicing_chain_operations_total",
			Help: "Total number of chain reservations, commits and releases",
		},
		[]string{"stage", "operation"},
	)

	chainIntegrityViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "einvoicing_chain_integrity_violations_total",
			Help: "Total number of rejected chain commits",
		},
		[]string{"stage"},
	)

	certificatesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "einvoicing_certificates_issued_total",
			Help: "Total number of certificates issued by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	reconciliationFaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "einvoicing_reconciliation_faults_total",
			Help: "Total number of accepted invoices that could not be persisted",
		},
	)

	// Database metrics
	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern uses the matched chi route so IDs do not explode cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// --- Business metric helpers ---

// RecordInvoiceSubmitted records the outcome of an authority submission
func RecordInvoiceSubmitted(stage, invoiceType, outcome string) {
	invoicesSubmitted.WithLabelValues(stage, invoiceType, outcome).Inc()
}

// RecordAuthorityRequest records an authority API call
func RecordAuthorityRequest(endpoint string, status int, duration time.Duration) {
	authorityRequestDuration.WithLabelValues(endpoint, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordChainOperation records a reserve, commit or release on a chain
func RecordChainOperation(stage, operation string) {
	chainOperations.WithLabelValues(stage, operation).Inc()
}

// RecordChainIntegrityViolation records a rejected commit
func RecordChainIntegrityViolation(stage string) {
	chainIntegrityViolations.WithLabelValues(stage).Inc()
}

// RecordCertificateIssued records a CSID issuance attempt
func RecordCertificateIssued(stage string, ok bool) {
	outcome := "rejected"
	if ok {
		outcome = "issued"
	}
	certificatesIssued.WithLabelValues(stage, outcome).Inc()
}

// RecordReconciliationFault records an accepted invoice that failed to persist
func RecordReconciliationFault() {
	reconciliationFaults.Inc()
}

// RecordDBConnections records active database connections
func RecordDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
