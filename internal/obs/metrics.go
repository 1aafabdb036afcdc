package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready.",
	})
)

// Gate decision metrics.
var (
	checkinDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkin_decisions_total",
			Help: "Check-in verdicts by reason code.",
		},
		[]string{"reason"},
	)

	tokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkin_tokens_issued_total",
		Help: "Check-in tokens issued.",
	})

	fraudEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraud_events_total",
			Help: "Fraud audit events by category.",
		},
		[]string{"category"},
	)

	fraudAuditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fraud_audit_write_failures_total",
		Help: "Fraud audit appends that failed and were recovered locally.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		checkinDecisions, tokensIssued, fraudEvents, fraudAuditFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// CheckinDecision counts one gate verdict.
func CheckinDecision(reason string) {
	checkinDecisions.WithLabelValues(reason).Inc()
}

// TokenIssued counts one issued token.
func TokenIssued() {
	tokensIssued.Inc()
}

// FraudEvent counts one audit event append.
func FraudEvent(category string) {
	fraudEvents.WithLabelValues(category).Inc()
}

// FraudAuditFailure counts a failed audit append that did not abort the decision.
func FraudAuditFailure() {
	fraudAuditFailures.Inc()
}

// CanonicalPath normalises a request path for metric labels: query strings
// and trailing slashes are dropped so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses (SSE) working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
