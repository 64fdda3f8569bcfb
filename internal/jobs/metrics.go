package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and recompute passes.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sales    *prometheus.CounterVec
	limits   *prometheus.CounterVec
	passes   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObservePass counts a finished recompute pass.
func (m *Metrics) ObservePass(targetKind, status string) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(targetKind, status).Inc()
}

// ObserveSales counts sales by processing outcome.
func (m *Metrics) ObserveSales(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sales.WithLabelValues(outcome).Add(float64(n))
}

// ObserveLimit counts targets that reached a cap.
func (m *Metrics) ObserveLimit(kind string) {
	if m == nil {
		return
	}
	m.limits.WithLabelValues(kind).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rebates_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rebates_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rebates_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	sales := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rebates_sales_total",
		Help: "Sales seen by recompute passes grouped by outcome.",
	}, []string{"outcome"})
	limits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rebates_limit_reached_total",
		Help: "Targets whose consumption reached a cap, by cap kind.",
	}, []string{"kind"})
	passes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rebates_pass_total",
		Help: "Recompute passes grouped by target kind and final status.",
	}, []string{"target_kind", "status"})
	registerer.MustRegister(runs, failures, duration, sales, limits, passes)
	return &Metrics{runs: runs, failures: failures, duration: duration, sales: sales, limits: limits, passes: passes}
}
