// Package metrics exposes Prometheus collectors for the scheduler. All
// recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "farmhand"

// Metrics holds the scheduler's collectors.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	assignments   prometheus.Counter
	lockConflicts prometheus.Counter
	escalations   prometheus.Counter
	executions    *prometheus.HistogramVec
	reviewBacklog prometheus.Gauge
	queueDepth    prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_transitions_total",
			Help: "Task state transitions by target status.",
		}, []string{"to"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_total",
			Help: "Dispatch attempts by outcome.",
		}, []string{"outcome"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_ticks_total",
			Help: "Completed heartbeat ticks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "heartbeat_tick_seconds",
			Help:    "Heartbeat tick duration.",
			Buckets: prometheus.DefBuckets,
		}),
		assignments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignments_total",
			Help: "Tasks bound to agents.",
		}),
		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_conflicts_total",
			Help: "Optimistic lock conflicts lost by the scheduler.",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total",
			Help: "Review escalations emitted.",
		}),
		executions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "execution_seconds",
			Help:    "Work function run time by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"outcome"}),
		reviewBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "review_backlog",
			Help: "Tasks waiting in review at the last tick.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Queued tasks at the last tick.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.dispatches, m.ticks, m.tickDuration, m.assignments,
		m.lockConflicts, m.escalations, m.executions, m.reviewBacklog, m.queueDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Transition(to string) {
	if m != nil {
		m.transitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) Dispatch(outcome string) {
	if m != nil {
		m.dispatches.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Tick(d time.Duration, queued, review int) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
	m.queueDepth.Set(float64(queued))
	m.reviewBacklog.Set(float64(review))
}

func (m *Metrics) Assigned() {
	if m != nil {
		m.assignments.Inc()
	}
}

func (m *Metrics) LockConflict() {
	if m != nil {
		m.lockConflicts.Inc()
	}
}

func (m *Metrics) Escalated() {
	if m != nil {
		m.escalations.Inc()
	}
}

func (m *Metrics) Execution(outcome string, d time.Duration) {
	if m != nil {
		m.executions.WithLabelValues(outcome).Observe(d.Seconds())
	}
}
