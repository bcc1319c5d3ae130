package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capstan_pipeline_runs_total",
			Help: "Total number of pipeline runs by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capstan_pipeline_duration_seconds",
			Help:    "Duration of complete pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"target"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capstan_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"target", "stage"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capstan_rollbacks_total",
			Help: "Total number of rollback attempts by target and result",
		},
		[]string{"target", "result"},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capstan_backups_total",
			Help: "Total number of backup attempts by target and result",
		},
		[]string{"target", "result"},
	)

	BackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capstan_backup_duration_seconds",
			Help:    "Duration of backup creation",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"target"},
	)

	// Gate metrics
	GateFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capstan_gate_failures_total",
			Help: "Total number of gate failures by target and gate",
		},
		[]string{"target", "gate"},
	)

	ProxyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capstan_proxy_reloads_total",
			Help: "Total number of reverse proxy reloads by result",
		},
		[]string{"result"},
	)
)

// init registers all metrics with the default registry
func init() {
	prometheus.MustRegister(
		PipelineRunsTotal,
		PipelineDuration,
		StageDuration,
		RollbacksTotal,
		BackupsTotal,
		BackupDuration,
		GateFailuresTotal,
		ProxyReloadsTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer creates a started timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(time.Since(t.start).Seconds())
}
