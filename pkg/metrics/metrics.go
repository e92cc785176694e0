// Package metrics exposes Prometheus instrumentation for the scheduler,
// worker, and API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetrun_tasks_scheduled_total",
			Help: "Total number of tasks dispatched to a device",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetrun_tasks_completed_total",
			Help: "Total number of tasks that finished successfully",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetrun_tasks_failed_total",
			Help: "Total number of tasks that ended in FAILED, by reason",
		},
		[]string{"reason"},
	)

	TasksKilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetrun_tasks_killed_total",
			Help: "Total number of tasks that ended in FAILED(KILLED), after a missed keep-alive deadline or a kill request",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetrun_scheduling_latency_seconds",
			Help:    "Time spent committing a task's device assignment (the QUEUEING to PREPARING store transition); time spent queued is not included",
			Buckets: prometheus.DefBuckets,
		},
	)

	PushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetrun_push_duration_seconds",
			Help:    "Time spent pushing a task's input archive to its device",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetrun_run_duration_seconds",
			Help:    "Time spent running a task's command on its device",
			Buckets: prometheus.DefBuckets,
		},
	)

	PullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetrun_pull_duration_seconds",
			Help:    "Time spent pulling a task's output archive from its device",
			Buckets: prometheus.DefBuckets,
		},
	)

	DevicesAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetrun_devices_attached",
			Help: "Number of devices adb currently reports as ready",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetrun_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksScheduled,
		TasksCompleted,
		TasksFailed,
		TasksKilled,
		SchedulingLatency,
		PushDuration,
		RunDuration,
		PullDuration,
		DevicesAttached,
		APIRequestsTotal,
	)
}

// Handler returns the Prometheus HTTP handler used to expose /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
