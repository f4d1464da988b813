package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_containers_running",
			Help: "Number of containers currently tracked by the supervisor",
		},
	)

	ContainerRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_container_requests_total",
			Help: "Total number of container requests issued to the resource manager",
		},
	)

	ContainersAllocatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_containers_allocated_total",
			Help: "Total number of containers allocated by the resource manager",
		},
	)

	ContainersCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_containers_completed_total",
			Help: "Total number of container completions by exit class",
		},
		[]string{"exit_class"},
	)

	InstancesRetiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_instances_retired_total",
			Help: "Total number of worker instances retired after exhausting retries",
		},
	)

	// Launch metrics
	LaunchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_container_launches_total",
			Help: "Total number of container launches dispatched to node managers",
		},
	)

	LaunchErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_container_launch_errors_total",
			Help: "Total number of failed container launches",
		},
	)

	LaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_container_launch_duration_seconds",
			Help:    "Time taken to build a launch context and dispatch the start in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Resource manager protocol metrics
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_rm_heartbeats_total",
			Help: "Total number of resource manager heartbeats sent",
		},
	)

	HeartbeatErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_rm_heartbeat_errors_total",
			Help: "Total number of failed resource manager heartbeats",
		},
	)
)

func init() {
	prometheus.MustRegister(ContainersRunning)
	prometheus.MustRegister(ContainerRequestsTotal)
	prometheus.MustRegister(ContainersAllocatedTotal)
	prometheus.MustRegister(ContainersCompletedTotal)
	prometheus.MustRegister(InstancesRetiredTotal)
	prometheus.MustRegister(LaunchesTotal)
	prometheus.MustRegister(LaunchErrorsTotal)
	prometheus.MustRegister(LaunchDuration)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(HeartbeatErrorsTotal)
}

// ExitClass buckets a container exit status for the completion counter.
func ExitClass(exitStatus int) string {
	switch exitStatus {
	case 0:
		return "success"
	case -101:
		return "disks_failed"
	case -100:
		return "aborted"
	case -102:
		return "preempted"
	default:
		return "failed"
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
