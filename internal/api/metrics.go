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

// unroutedLabel replaces the route for requests no pattern matched, keeping
// label cardinality bounded.
const unroutedLabel = "unrouted"

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simproxy",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Admin API requests by route and response code.",
		},
		[]string{"method", "route", "code"},
	)

	apiRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simproxy",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Admin API request latency. Event streams are excluded.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)

	apiInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "simproxy",
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "Admin API requests currently being served, event streams included.",
		},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal, apiRequestSeconds, apiInFlight)
}

// metricsMiddleware counts requests per chi route pattern. Calls on a
// session block for the whole remote round trip, so their latency is the
// proxy call latency seen by the client.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiInFlight.Inc()
		defer apiInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routeLabel(r)
		apiRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		if !isEventStream(ww) {
			apiRequestSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unroutedLabel
}

func isEventStream(w http.ResponseWriter) bool {
	return w.Header().Get("Content-Type") == "text/event-stream"
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
