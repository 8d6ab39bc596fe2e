package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_total",
			Help: "Bus messages by direction",
		},
		[]string{"direction"},
	)

	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Background jobs currently in a live state",
		},
		[]string{"job"},
	)

	DosingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dosing_events_total",
			Help: "Dosing events by kind",
		},
		[]string{"event"},
	)

	StreamerRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamer_rows_total",
			Help: "Rows the MQTT streamer inserted per table",
		},
		[]string{"table"},
	)

	ProfileActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_actions_total",
			Help: "Profile actions dispatched by type",
		},
		[]string{"type"},
	)
)

var registerOnce sync.Once

// InitMetrics registers every collector. Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(BusMessagesTotal)
		prometheus.MustRegister(JobsRunning)
		prometheus.MustRegister(DosingEventsTotal)
		prometheus.MustRegister(StreamerRowsTotal)
		prometheus.MustRegister(ProfileActionsTotal)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
