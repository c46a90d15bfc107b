// Package metrics exposes Prometheus instrumentation for the job engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"llmarena/pkg/core"
)

// Metrics implements the registry and hub instrumentation hooks.
type Metrics struct {
	jobsSubmitted *prometheus.CounterVec
	jobsFinalized *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	queueDepth    prometheus.Gauge
	wsConnections prometheus.Gauge
}

// New registers the engine's collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_jobs_submitted_total",
			Help: "Jobs accepted for execution, by job type.",
		}, []string{"type"}),
		jobsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_jobs_finalized_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		jobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arena_jobs_running",
			Help: "Jobs currently executing.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arena_jobs_queued",
			Help: "Jobs waiting for a concurrency slot.",
		}),
		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arena_ws_connections",
			Help: "Live websocket connections.",
		}),
	}
}

func (m *Metrics) JobSubmitted(jobType string) {
	m.jobsSubmitted.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobStarted() {
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinalized(status core.JobStatus, wasRunning bool) {
	m.jobsFinalized.WithLabelValues(string(status)).Inc()
	if wasRunning {
		m.jobsRunning.Dec()
	}
}

func (m *Metrics) QueueDepth(delta int) {
	m.queueDepth.Add(float64(delta))
}

// ConnectionsDelta adjusts the live connection gauge.
func (m *Metrics) ConnectionsDelta(delta int) {
	m.wsConnections.Add(float64(delta))
}
