package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	rebalanceDuration    prometheus.Histogram
	directivesApplied    prometheus.Counter
	staleDirectives      prometheus.Counter
	thresholdUnreachable prometheus.Counter
	persistFailures      *prometheus.CounterVec
	toggles              *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (prometheus.Histogram, prometheus.Counter, prometheus.Counter, prometheus.Counter, *prometheus.CounterVec, *prometheus.CounterVec) {
	dur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "controller_rebalance_duration_seconds",
		Help:    "Time spent deciding and applying a rebalance",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
	applied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controller_directives_applied_total",
		Help: "Shed directives applied to the registry",
	})
	stale := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controller_stale_directives_total",
		Help: "Directives skipped because the appliance changed since the decision",
	})
	unreachable := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controller_threshold_unreachable_total",
		Help: "Rebalances where critical load alone exceeded the threshold",
	})
	persist := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_persistence_failures_total",
		Help: "Failed persistence calls by operation",
	}, []string{"op"})
	tog := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_toggles_total",
		Help: "Appliance toggles by source",
	}, []string{"source"})
	return dur, applied, stale, unreachable, persist, tog
}

func init() {
	rebalanceDuration, directivesApplied, staleDirectives, thresholdUnreachable, persistFailures, toggles = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers controller metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(rebalanceDuration, directivesApplied, staleDirectives, thresholdUnreachable, persistFailures, toggles)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	rebalanceDuration, directivesApplied, staleDirectives, thresholdUnreachable, persistFailures, toggles = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
