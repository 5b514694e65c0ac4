package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched = "unmatched"

	// noBackend labels requests served while no handle is active.
	noBackend = "none"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_http_requests_total",
			Help: "Total number of HTTP requests, by the backend active when the request arrived.",
		},
		[]string{"backend", "method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stowage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "method", "path"},
	)

	storageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_storage_errors_total",
			Help: "Storage errors returned to clients, by backend and response status.",
		},
		[]string{"backend", "status"},
	)

	backendSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_backend_switches_total",
			Help: "Total number of successful active-backend switches, by new backend.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(storageErrorsTotal)
	prometheus.MustRegister(backendSwitchesTotal)
}

// metricsMiddleware records request count and duration, labelled with the
// chi route pattern rather than the raw path to keep cardinality bounded.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		name := s.activeName()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(name, r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(name, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// activeName returns the active backend's name, or noBackend.
func (s *Server) activeName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.storage == nil {
		return noBackend
	}
	return s.desc.Name
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
