// Package metrics exposes the engine's Prometheus collectors. All recording
// methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	oracleReads       *prometheus.CounterVec
	oracleFetchTime   prometheus.Histogram
	evaluations       *prometheus.CounterVec
	evaluationTime    prometheus.Histogram
	weeksRecorded     *prometheus.CounterVec
	plansCompleted    prometheus.Counter
	sweepOutcomes     *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	jobRuns           *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	websocketSessions prometheus.Gauge
}

// New creates and registers every collector under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "continuity"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		oracleReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "reads_total",
				Help:      "Balance reads by outcome (hit, miss, stale, unknown).",
			},
			[]string{"outcome"},
		),
		oracleFetchTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "fetch_duration_seconds",
				Help:      "Duration of chain balance fetches.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
			},
		),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "evaluations_total",
				Help:      "Subscriber evaluations by result.",
			},
			[]string{"result"},
		),
		evaluationTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of subscriber evaluations.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		weeksRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "weeks_recorded_total",
				Help:      "Weekly ledger entries written by outcome.",
			},
			[]string{"passed"},
		),
		plansCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "plans_completed_total",
				Help:      "Subscriptions that passed their terminal week.",
			},
		),
		sweepOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "entries_total",
				Help:      "Ledger entries processed by category and outcome.",
			},
			[]string{"category", "outcome"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of reconciliation sweeps.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "job_runs_total",
				Help:      "Scheduled job runs by job and success.",
			},
			[]string{"job", "success"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Events published on the bus by type.",
			},
			[]string{"type"},
		),
		websocketSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "websocket_sessions",
				Help:      "Currently connected event stream clients.",
			},
		),
	}

	m.registry.MustRegister(
		m.oracleReads,
		m.oracleFetchTime,
		m.evaluations,
		m.evaluationTime,
		m.weeksRecorded,
		m.plansCompleted,
		m.sweepOutcomes,
		m.sweepDuration,
		m.jobRuns,
		m.eventsPublished,
		m.websocketSessions,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOracleRead(outcome string) {
	if m == nil {
		return
	}
	m.oracleReads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveOracleFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.oracleFetchTime.Observe(d.Seconds())
}

func (m *Metrics) ObserveEvaluation(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(result).Inc()
	m.evaluationTime.Observe(d.Seconds())
}

func (m *Metrics) ObserveWeekRecorded(passed bool) {
	if m == nil {
		return
	}
	label := "false"
	if passed {
		label = "true"
	}
	m.weeksRecorded.WithLabelValues(label).Inc()
}

func (m *Metrics) ObservePlanCompleted() {
	if m == nil {
		return
	}
	m.plansCompleted.Inc()
}

func (m *Metrics) ObserveSweepEntry(category, outcome string) {
	if m == nil {
		return
	}
	m.sweepOutcomes.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveJob(job string, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.jobRuns.WithLabelValues(job, label).Inc()
}

func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) WebsocketConnected() {
	if m == nil {
		return
	}
	m.websocketSessions.Inc()
}

func (m *Metrics) WebsocketDisconnected() {
	if m == nil {
		return
	}
	m.websocketSessions.Dec()
}
