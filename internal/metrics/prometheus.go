// Package metrics exposes rule synchronization metrics to Prometheus.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all metrics.
type Registry struct {
	// Synchronizer
	Operations    *prometheus.CounterVec
	Compensations *prometheus.CounterVec
	Conflicts     prometheus.Counter
	OpDuration    *prometheus.HistogramVec

	// Rule sets
	ActiveRules    prometheus.Gauge
	PersistedRules *prometheus.GaugeVec

	// API
	APIRequests *prometheus.CounterVec
}

// Get returns the global metrics registry, registered with the default
// Prometheus registerer.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

// NewRegistry creates metrics registered with reg. Tests pass a fresh
// prometheus.NewRegistry() to stay isolated.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.Operations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "paramstrip_rule_operations_total",
		Help: "Rule operations by terminal outcome",
	}, []string{"op", "result"})

	r.Compensations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "paramstrip_rule_compensations_total",
		Help: "Compensating actions run after a partial failure",
	}, []string{"op", "result"})

	r.Conflicts = f.NewCounter(prometheus.CounterOpts{
		Name: "paramstrip_store_conflicts_total",
		Help: "Rule list writes lost to a concurrent writer",
	})

	r.OpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paramstrip_rule_operation_duration_seconds",
		Help:    "Rule operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"op"})

	r.ActiveRules = f.NewGauge(prometheus.GaugeOpts{
		Name: "paramstrip_active_rules",
		Help: "Rules currently active in the engine",
	})

	r.PersistedRules = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paramstrip_persisted_rules",
		Help: "Persisted rules by kind and state",
	}, []string{"kind", "enabled"})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "paramstrip_api_requests_total",
		Help: "API requests by route and status",
	}, []string{"method", "route", "code"})

	return r
}

// RecordOperation counts the outcome of one synchronizer operation.
func (r *Registry) RecordOperation(op, result string, seconds float64) {
	r.Operations.WithLabelValues(op, result).Inc()
	r.OpDuration.WithLabelValues(op).Observe(seconds)
}

// RecordCompensation counts a compensating action and whether it succeeded.
func (r *Registry) RecordCompensation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	r.Compensations.WithLabelValues(op, result).Inc()
}

// SetRuleCounts updates the rule set gauges.
func (r *Registry) SetRuleCounts(active int, persisted map[string]map[bool]int) {
	r.ActiveRules.Set(float64(active))
	for kind, byState := range persisted {
		for enabled, n := range byState {
			r.PersistedRules.WithLabelValues(kind, strconv.FormatBool(enabled)).Set(float64(n))
		}
	}
}

// RecordAPIRequest counts one API request.
func (r *Registry) RecordAPIRequest(method, route string, status int) {
	r.APIRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
