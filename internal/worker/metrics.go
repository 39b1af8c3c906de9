package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/simproxy/internal/contract"
)

// Metric label values for call status.
const (
	statusOK    = "ok"
	statusError = "error"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simworker_calls_total",
			Help: "Total number of engine calls handled by the worker.",
		},
		[]string{"op", "status"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simworker_call_duration_seconds",
			Help:    "Engine call duration on the worker, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)

	for _, op := range contract.Names() {
		callsTotal.WithLabelValues(op, statusOK)
		callsTotal.WithLabelValues(op, statusError)
	}
}

// observeCall records one engine call. Unknown op names are folded into a
// single label value to bound cardinality.
func observeCall(op, status string, elapsed time.Duration) {
	if _, ok := contract.Lookup(op); !ok {
		op = "unknown"
	}
	callsTotal.WithLabelValues(op, status).Inc()
	callDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
