package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "progress_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	authEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_auth_events_total",
			Help: "Auth events by kind and outcome",
		},
		[]string{"event", "success"},
	)
)

// MetricsMiddleware records request duration labelled by the matched route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(recorder.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

func RecordAuthEvent(event string, success bool) {
	authEvents.WithLabelValues(event, strconv.FormatBool(success)).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
