package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters/gauges/histograms for the dispatcher
// process. A nil *Metrics is valid and every method on it is a no-op, so
// callers needn't branch on whether metrics are enabled.
type Metrics struct {
	tasksClaimed   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksCanceled  prometheus.Counter

	taskDuration prometheus.Histogram
	pollErrors   prometheus.Counter

	leaseRenewals   prometheus.Counter
	leasesReclaimed prometheus.Counter

	tasksInFlight prometheus.Gauge
}

// NewMetrics builds and registers the dispatcher's metric set against reg.
// Pass prometheus.NewRegistry() for isolated test registries, or
// prometheus.DefaultRegisterer to expose metrics process-wide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_claimed_total",
			Help: "Total number of tasks claimed by this worker.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_completed_total",
			Help: "Total number of tasks completed successfully.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_failed_total",
			Help: "Total number of tasks that ended in FAILED.",
		}),
		tasksCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_canceled_total",
			Help: "Total number of tasks canceled before completion.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatcher_task_duration_seconds",
			Help:    "Wall-clock duration of task execution, claim to terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_poll_errors_total",
			Help: "Total number of errors encountered while polling the store for work.",
		}),
		leaseRenewals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_lease_renewals_total",
			Help: "Total number of task lease renewals.",
		}),
		leasesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_leases_reclaimed_total",
			Help: "Total number of expired leases reclaimed by the sweep scheduler.",
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_tasks_in_flight",
			Help: "Current number of tasks this worker is executing.",
		}),
	}

	reg.MustRegister(
		m.tasksClaimed,
		m.tasksCompleted,
		m.tasksFailed,
		m.tasksCanceled,
		m.taskDuration,
		m.pollErrors,
		m.leaseRenewals,
		m.leasesReclaimed,
		m.tasksInFlight,
	)
	return m
}

func (m *Metrics) RecordClaim() {
	if m == nil {
		return
	}
	m.tasksClaimed.Inc()
	m.tasksInFlight.Inc()
}

func (m *Metrics) RecordCompleted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.tasksCompleted.Inc()
	m.taskDuration.Observe(durationSeconds)
	m.tasksInFlight.Dec()
}

func (m *Metrics) RecordFailed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.tasksFailed.Inc()
	m.taskDuration.Observe(durationSeconds)
	m.tasksInFlight.Dec()
}

func (m *Metrics) RecordCanceled(durationSeconds float64) {
	if m == nil {
		return
	}
	m.tasksCanceled.Inc()
	m.taskDuration.Observe(durationSeconds)
	m.tasksInFlight.Dec()
}

func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

func (m *Metrics) RecordLeaseRenewal() {
	if m == nil {
		return
	}
	m.leaseRenewals.Inc()
}

func (m *Metrics) RecordLeaseReclaimed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.leasesReclaimed.Add(float64(count))
}

// ServeMetrics starts a Prometheus /metrics HTTP server on the given port.
// It blocks until the server errors or the process exits; callers typically
// run it in its own goroutine.
func ServeMetrics(port int, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
