// Package telemetry exposes prometheus metrics for the collection and
// alerting pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_collections_total",
			Help: "Total collection cycles by source type and outcome",
		},
		[]string{"source_type", "outcome"}, // outcome: ok, unreachable, not_found, error
	)

	CollectionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmon_collection_duration_seconds",
			Help:    "Duration of a single source collection cycle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"source_type"},
	)

	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_alerts_fired_total",
			Help: "Total alerts fired by severity",
		},
		[]string{"severity"},
	)

	AlertsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmon_alerts_resolved_total",
			Help: "Total alerts auto-resolved by the sweep",
		},
	)

	AlertsDedupedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmon_alerts_deduped_total",
			Help: "Total alert creations suppressed because an open alert already existed",
		},
	)

	NotificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_notification_failures_total",
			Help: "Total failed notification deliveries by channel scheme",
		},
		[]string{"scheme"},
	)

	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_health_checks_total",
			Help: "Total health evaluations by overall status",
		},
		[]string{"status"},
	)
)
