// Package metrics declares the Prometheus collectors of every service role.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TreeSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spc_tree_sync_total",
		Help: "Tree sync cycles by result (built, noop, failed, loaded).",
	}, []string{"result"})

	TreeSyncConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spc_tree_sync_consecutive_failures",
		Help: "Failed sync cycles since the last successful one.",
	})

	TreeLevels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spc_tree_levels",
		Help: "Levels in the published snapshot.",
	})

	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spc_sourcing_events_total",
		Help: "Webhook events accepted by the sourcing augmenter.",
	}, []string{"detail_type", "verified"})

	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spc_bus_published_total",
		Help: "Envelopes published per backend and detail type.",
	}, []string{"backend", "detail_type"})

	BusDeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spc_bus_delivery_failures_total",
		Help: "Handler failures while dispatching envelopes.",
	}, []string{"consumer", "detail_type"})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spc_job_transitions_total",
		Help: "Job request state transitions.",
	}, []string{"state"})

	ExecTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spc_exec_tick_duration_seconds",
		Help:    "Duration of scheduler execution ticks.",
		Buckets: prometheus.DefBuckets,
	})

	ValidationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spc_validation_results_total",
		Help: "Profile validation results applied, by status.",
	}, []string{"status"})

	ResolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spc_resolve_duration_seconds",
		Help:    "Effective config and profile computation time.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
	}, []string{"kind"})
)
