package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/model"
)

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simproxy_session_transitions_total",
			Help: "Total number of session state transitions, by target state.",
		},
		[]string{"state"},
	)

	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simproxy_session_launches_total",
			Help: "Total number of worker launches, by outcome.",
		},
		[]string{"status"},
	)

	handshakeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simproxy_session_handshake_retries_total",
			Help: "Total number of failed handshake attempts.",
		},
	)

	staleResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simproxy_session_stale_responses_total",
			Help: "Total number of responses discarded because their call id was not the one awaited.",
		},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simproxy_calls_total",
			Help: "Total number of calls dispatched to workers.",
		},
		[]string{"op", "status"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simproxy_call_duration_seconds",
			Help:    "Round-trip call duration seen by the proxy, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(launchesTotal)
	prometheus.MustRegister(handshakeRetries)
	prometheus.MustRegister(staleResponses)
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)

	for _, s := range []State{Stopped, Launching, Handshaking, Ready, Dispatching, Closing, Failed} {
		transitionsTotal.WithLabelValues(s.String())
	}
	launchesTotal.WithLabelValues(launchOK)
	launchesTotal.WithLabelValues(launchFailed)
	for _, op := range contract.Names() {
		for _, status := range []string{model.CallOK, model.CallError, model.CallTimeout} {
			callsTotal.WithLabelValues(op, status)
		}
	}
}

const (
	launchOK     = "ok"
	launchFailed = "failed"
)

// observeCall records one dispatched call. Names outside the operation table
// share one label value.
func observeCall(op, status string, elapsed time.Duration) {
	if _, ok := contract.Lookup(op); !ok {
		op = "other"
	}
	callsTotal.WithLabelValues(op, status).Inc()
	callDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
