// Package metrics is the Prometheus-backed MetricsCollector the run
// coordinator reports lifecycle events to.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/conductorcore/internal/run"
)

// Collector implements coordinator.MetricsCollector with real Prometheus
// collectors, the same interface shape the teacher lineage's runner
// accepts, backed by a no-op in tests and by this type in production.
type Collector struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	activeRuns   prometheus.Gauge
}

// New registers its collectors against reg and returns a Collector. Pass
// prometheus.DefaultRegisterer for process-wide metrics.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductorcore_runs_started_total",
			Help: "Count of runs submitted, by workflow id.",
		}, []string{"workflow_id"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductorcore_runs_finished_total",
			Help: "Count of runs reaching a terminal state, by workflow id and status.",
		}, []string{"workflow_id", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductorcore_run_duration_seconds",
			Help:    "Wall-clock duration of a run from submission to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow_id", "status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductorcore_active_runs",
			Help: "Number of runs with a live driver task (pending or running); suspended runs are not counted.",
		}),
	}
	reg.MustRegister(c.runsStarted, c.runsFinished, c.runDuration, c.activeRuns)
	return c
}

func (c *Collector) RunStarted(workflowID string) {
	c.runsStarted.WithLabelValues(workflowID).Inc()
}

func (c *Collector) RunFinished(workflowID string, status run.Status, elapsed time.Duration) {
	c.runsFinished.WithLabelValues(workflowID, string(status)).Inc()
	c.runDuration.WithLabelValues(workflowID, string(status)).Observe(elapsed.Seconds())
}

func (c *Collector) ActiveRuns(n int) {
	c.activeRuns.Set(float64(n))
}
