// Package metrics holds the Prometheus collectors of the research engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seo_research"

type Metrics struct {
	registry *prometheus.Registry

	tasksDispatched  *prometheus.CounterVec
	taskOutcomes     *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	budgetRejections *prometheus.CounterVec
	queriesFinished  *prometheus.CounterVec
	pollTick         prometheus.Histogram
	pollInFlight     prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers all collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Provider tasks submitted, by provider and query type.",
		}, []string{"provider", "query_type"}),
		taskOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Tasks that reached a terminal state, by provider, status and reason.",
		}, []string{"provider", "status", "reason"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result (hit or miss).",
		}, []string{"result"}),
		budgetRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_rejections_total",
			Help:      "Admission rejections by role and reason.",
		}, []string{"role", "reason"}),
		queriesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_finished_total",
			Help:      "Queries that reached a terminal state, by type and status.",
		}, []string{"query_type", "status"}),
		pollTick: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_tick_duration_seconds",
			Help:      "Duration of one poller cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		pollInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_tasks_selected",
			Help:      "Tasks selected by the most recent poller cycle.",
		}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TaskDispatched(provider, queryType string) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(provider, queryType).Inc()
}

func (m *Metrics) TaskFinished(provider, status, reason string) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(provider, status, reason).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) BudgetRejected(role, reason string) {
	if m == nil {
		return
	}
	m.budgetRejections.WithLabelValues(role, reason).Inc()
}

func (m *Metrics) QueryFinished(queryType, status string) {
	if m == nil {
		return
	}
	m.queriesFinished.WithLabelValues(queryType, status).Inc()
}

// PollTick records one poller cycle.
func (m *Metrics) PollTick(d time.Duration, selected int) {
	if m == nil {
		return
	}
	m.pollTick.Observe(d.Seconds())
	m.pollInFlight.Set(float64(selected))
}
