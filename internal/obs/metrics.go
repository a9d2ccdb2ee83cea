package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP surface metrics.
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

// Resolver metrics. resolution-failed denials must be tellable apart from
// ordinary action-not-granted denials in dashboards.
var (
	checkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_check_total",
			Help: "Permission checks by decision and reason.",
		},
		[]string{"decision", "reason"},
	)

	checkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "access_check_duration_seconds",
		Help:    "Permission check latencies in seconds.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_decision_cache_hits_total",
		Help: "Decision cache hits.",
	})

	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_decision_cache_misses_total",
		Help: "Decision cache misses.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Init registers every metric with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		checkTotal, checkDuration, cacheHits, cacheMisses, ready,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCheck records one resolved permission check.
func ObserveCheck(allowed bool, reason string, d time.Duration) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	if reason == "" {
		reason = "granted"
	}
	checkTotal.WithLabelValues(decision, reason).Inc()
	checkDuration.Observe(d.Seconds())
}

// CacheHit counts a decision cache hit.
func CacheHit() { cacheHits.Inc() }

// CacheMiss counts a decision cache miss.
func CacheMiss() { cacheMisses.Inc() }

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurements.
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

// CanonicalPath collapses entity codes out of metric labels so cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 2 && parts[0] == "v1" {
		switch parts[1] {
		case "modules", "roles", "users", "regions":
			if len(parts) == 3 {
				return "/v1/" + parts[1] + "/:code"
			}
			if len(parts) == 4 {
				return "/v1/" + parts[1] + "/:code/" + parts[3]
			}
			if len(parts) == 5 {
				return "/v1/" + parts[1] + "/:code/" + parts[3] + "/:sub"
			}
		}
	}
	return p
}

// statusWriter captures the status code written downstream.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
