package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for VM boots.
const (
	bootOK     = "ok"
	bootFailed = "failed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simproxy_firecracker_vm_boot_seconds",
			Help:    "Duration from deploy request to a running VM, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simproxy_firecracker_active_vms",
			Help: "Number of running worker microVMs.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simproxy_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop, network teardown and file removal, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	vmBootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simproxy_firecracker_vm_boots_total",
			Help: "Total number of worker VM boot attempts.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(vmBootsTotal)

	vmBootsTotal.WithLabelValues(bootOK)
	vmBootsTotal.WithLabelValues(bootFailed)
}
