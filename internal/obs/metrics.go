package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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
)

// Auth core metrics.
var (
	OTPChallenges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_challenges_total",
			Help: "OTP challenge operations by outcome.",
		},
		[]string{"outcome"},
	)

	SessionsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_issued_total",
			Help: "Session tokens issued by user type.",
		},
		[]string{"user_type"},
	)

	PermissionCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_cache_lookups_total",
			Help: "Permission cache lookups by result (hit, miss, stale).",
		},
		[]string{"result"},
	)

	RetentionDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_deleted_total",
			Help: "Rows removed by the retention sweeper.",
		},
		[]string{"entity"},
	)

	NotificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Failed notification deliveries by channel.",
		},
		[]string{"channel"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			OTPChallenges, SessionsIssued, PermissionCacheLookups,
			RetentionDeleted, NotificationFailures,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in admin resource paths so metric
// label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	// /v1/admin/{collection}/{id}/...
	if len(parts) >= 4 && parts[0] == "v1" && parts[1] == "admin" {
		switch parts[2] {
		case "roles", "users", "sessions":
			parts[3] = ":id"
			if parts[2] == "users" && len(parts) == 6 && parts[4] == "roles" {
				parts[5] = ":role"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
