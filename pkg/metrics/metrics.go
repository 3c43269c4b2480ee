package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Provisioning metrics
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "n8nmgr_jobs_processed_total",
			Help: "Total number of provisioning jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "n8nmgr_job_duration_seconds",
			Help:    "Wall-clock duration of provisioning jobs in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 300},
		},
	)

	// Instance metrics
	InstancesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "n8nmgr_instances_created_total",
			Help: "Total number of engine instances created",
		},
	)

	InstancesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "n8nmgr_instances_removed_total",
			Help: "Total number of engine instances removed",
		},
	)

	InstancesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "n8nmgr_instances_active",
			Help: "Number of engine instances currently running",
		},
	)

	InstancesRebuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "n8nmgr_instances_rebuilt_total",
			Help: "Total number of instances rebuilt by env reconciliation or version update",
		},
	)

	// Sweeper metrics
	SweeperEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "n8nmgr_sweeper_evictions_total",
			Help: "Total number of instances evicted by the age sweeper",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "n8nmgr_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	SSEFollowers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "n8nmgr_sse_followers",
			Help: "Number of currently connected SSE followers",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(InstancesCreated)
	prometheus.MustRegister(InstancesRemoved)
	prometheus.MustRegister(InstancesActive)
	prometheus.MustRegister(InstancesRebuilt)
	prometheus.MustRegister(SweeperEvictions)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(SSEFollowers)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
