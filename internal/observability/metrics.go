package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cronbot/internal/jobs"
)

const namespace = "cronbot"

// Metrics owns a private registry so tests and multiple app instances never
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	memoryPeak *prometheus.GaugeVec
	lastRun    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished job executions by outcome.",
		}, []string{"job_kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of job executions.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"job_kind"}),
		memoryPeak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_memory_peak_megabytes",
			Help:      "Peak heap growth of the latest execution per job.",
		}, []string{"job_id"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_last_timestamp_seconds",
			Help:      "Scheduled instant of the latest execution per job.",
		}, []string{"job_id"}),
	}
	reg.MustRegister(
		m.executions, m.duration, m.memoryPeak, m.lastRun,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registerer lets other components add their own collectors.
func (m *Metrics) Registerer() prometheus.Registerer { return m.reg }

func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe makes Metrics a Sink.
func (m *Metrics) Observe(_ context.Context, ev jobs.ExecutionEvent) {
	kind := string(ev.JobKind)
	m.executions.WithLabelValues(kind, string(ev.Outcome)).Inc()
	m.duration.WithLabelValues(kind).Observe(float64(ev.DurationMS) / 1000)
	m.memoryPeak.WithLabelValues(ev.JobID).Set(ev.MemoryPeakMB)
	if !ev.ScheduledAt.IsZero() {
		m.lastRun.WithLabelValues(ev.JobID).Set(float64(ev.ScheduledAt.Unix()))
	}
}

// Forget drops per-job series, used when a job is retired.
func (m *Metrics) Forget(jobID string) {
	m.memoryPeak.DeleteLabelValues(jobID)
	m.lastRun.DeleteLabelValues(jobID)
}
