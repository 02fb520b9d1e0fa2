// Package metrics exposes Prometheus instrumentation for the engine and
// the agent pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a dedicated registry. A nil *Metrics is
// valid; every record method is a no-op on nil so instrumentation stays
// optional for embedders and tests.
type Metrics struct {
	registry *prometheus.Registry

	checksTotal   *prometheus.CounterVec
	checkDuration prometheus.Histogram
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter

	policyChanges *prometheus.CounterVec
	policiesTotal prometheus.Gauge

	anomalies    *prometheus.CounterVec
	enforcements *prometheus.CounterVec
	busDropped   *prometheus.CounterVec

	swarmTasks  *prometheus.CounterVec
	swarmAgents *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authz",
			Name:      "checks_total",
			Help:      "Total authorization checks by effect and cache outcome",
		}, []string{"effect", "cached"}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authz",
			Name:      "check_duration_seconds",
			Help:      "Authorization check latency",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authz",
			Name:      "decision_cache_hits_total",
			Help:      "Decision cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authz",
			Name:      "decision_cache_misses_total",
			Help:      "Decision cache misses",
		}),
		policyChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authz",
			Name:      "policy_changes_total",
			Help:      "Policy store change events by type",
		}, []string{"type"}),
		policiesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "authz",
			Name:      "policies_total",
			Help:      "Number of stored policies",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authz",
			Subsystem: "guardian",
			Name:      "anomalies_total",
			Help:      "Anomalies detected by type and severity",
		}, []string{"type", "severity"}),
		enforcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authz",
			Subsystem: "enforcer",
			Name:      "actions_total",
			Help:      "Enforcement actions by type and status",
		}, []string{"type", "status"}),
		busDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authz",
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Events dropped due to subscriber queue overflow",
		}, []string{"topic"}),
		swarmTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authz",
			Subsystem: "swarm",
			Name:      "tasks_total",
			Help:      "Swarm task dispatches by role and outcome",
		}, []string{"role", "outcome"}),
		swarmAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "authz",
			Subsystem: "swarm",
			Name:      "agents",
			Help:      "Active swarm agents by role",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.checksTotal, m.checkDuration, m.cacheHits, m.cacheMisses,
		m.policyChanges, m.policiesTotal,
		m.anomalies, m.enforcements, m.busDropped,
		m.swarmTasks, m.swarmAgents,
	)
	return m
}

// Handler returns the HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCheck records one completed authorization check
func (m *Metrics) RecordCheck(allowed bool, duration time.Duration, cached bool) {
	if m == nil {
		return
	}
	effect := "deny"
	if allowed {
		effect = "allow"
	}
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
	}
	m.checksTotal.WithLabelValues(effect, cachedLabel).Inc()
	m.checkDuration.Observe(duration.Seconds())
	if cached {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// RecordPolicyChange records a policy store transition
func (m *Metrics) RecordPolicyChange(changeType string) {
	if m == nil {
		return
	}
	m.policyChanges.WithLabelValues(changeType).Inc()
}

// SetPolicyCount updates the stored policy gauge
func (m *Metrics) SetPolicyCount(n int) {
	if m == nil {
		return
	}
	m.policiesTotal.Set(float64(n))
}

// RecordAnomaly records a detected anomaly
func (m *Metrics) RecordAnomaly(anomalyType, severity string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(anomalyType, severity).Inc()
}

// RecordEnforcement records an enforcement action transition
func (m *Metrics) RecordEnforcement(actionType, status string) {
	if m == nil {
		return
	}
	m.enforcements.WithLabelValues(actionType, status).Inc()
}

// RecordBusDrop records an event dropped by a full subscriber queue
func (m *Metrics) RecordBusDrop(topic string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(topic).Inc()
}

// RecordSwarmTask records a swarm task dispatch outcome
func (m *Metrics) RecordSwarmTask(role, outcome string) {
	if m == nil {
		return
	}
	m.swarmTasks.WithLabelValues(role, outcome).Inc()
}

// SetSwarmAgents updates the active agent gauge for a role
func (m *Metrics) SetSwarmAgents(role string, n int) {
	if m == nil {
		return
	}
	m.swarmAgents.WithLabelValues(role).Set(float64(n))
}
