// Package telemetry exposes Prometheus collectors for the execution engine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. A nil *Metrics records nothing, so
// components can be constructed without one.
type Metrics struct {
	cacheHits             prometheus.Counter
	cacheMisses           prometheus.Counter
	cacheEvictions        prometheus.Counter
	cacheLiveInstances    prometheus.Gauge
	compileFailures       prometheus.Counter
	instantiationFailures prometheus.Counter

	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	guestLogsDropped   prometheus.Counter

	runs        prometheus.Counter
	nodeResults *prometheus.CounterVec

	transitions *prometheus.CounterVec
	reruns      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reglet_cache_hits_total",
			Help: "Acquires served by a pooled idle instance.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reglet_cache_misses_total",
			Help: "Acquires that instantiated a fresh instance.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reglet_cache_evictions_total",
			Help: "Idle instances destroyed by LRU eviction.",
		}),
		cacheLiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reglet_cache_live_instances",
			Help: "Instances currently held by the cache, idle or in use.",
		}),
		compileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reglet_cache_compile_failures_total",
			Help: "Component binaries that failed to compile.",
		}),
		instantiationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reglet_cache_instantiation_failures_total",
			Help: "Instantiation attempts that failed.",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reglet_invocations_total",
			Help: "Component entry point calls by component and outcome.",
		}, []string{"component", "entry", "outcome"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reglet_invocation_duration_seconds",
			Help:    "Time spent inside component entry points.",
			Buckets: prometheus.DefBuckets,
		}, []string{"component", "entry"}),
		guestLogsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reglet_guest_logs_dropped_total",
			Help: "Guest log records dropped because the sink was full.",
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reglet_engine_runs_total",
			Help: "Graph execution passes.",
		}),
		nodeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reglet_engine_node_results_total",
			Help: "Per-node execution results by status.",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reglet_supervisor_transitions_total",
			Help: "Continuous node state transitions by target state.",
		}, []string{"state"}),
		reruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reglet_supervisor_downstream_reruns_total",
			Help: "Downstream re-runs triggered by continuous node progress.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.cacheHits,
			m.cacheMisses,
			m.cacheEvictions,
			m.cacheLiveInstances,
			m.compileFailures,
			m.instantiationFailures,
			m.invocations,
			m.invocationDuration,
			m.guestLogsDropped,
			m.runs,
			m.nodeResults,
			m.transitions,
			m.reruns,
		)
	}
	return m
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheEviction() {
	if m != nil {
		m.cacheEvictions.Inc()
	}
}

// LiveInstances sets the number of instances held by the cache.
func (m *Metrics) LiveInstances(n int) {
	if m != nil {
		m.cacheLiveInstances.Set(float64(n))
	}
}

func (m *Metrics) CompileFailure() {
	if m != nil {
		m.compileFailures.Inc()
	}
}

func (m *Metrics) InstantiationFailure() {
	if m != nil {
		m.instantiationFailures.Inc()
	}
}

// Invocation records one entry point call.
func (m *Metrics) Invocation(componentID, entry, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(componentID, entry, outcome).Inc()
	m.invocationDuration.WithLabelValues(componentID, entry).Observe(d.Seconds())
}

func (m *Metrics) GuestLogDropped() {
	if m != nil {
		m.guestLogsDropped.Inc()
	}
}

func (m *Metrics) Run() {
	if m != nil {
		m.runs.Inc()
	}
}

// NodeResult counts a node outcome.
func (m *Metrics) NodeResult(status string) {
	if m != nil {
		m.nodeResults.WithLabelValues(status).Inc()
	}
}

// Transition counts a continuous node entering state.
func (m *Metrics) Transition(state string) {
	if m != nil {
		m.transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Rerun() {
	if m != nil {
		m.reruns.Inc()
	}
}
