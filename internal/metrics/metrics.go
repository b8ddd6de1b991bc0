// Package metrics registers the Prometheus instruments shared across the
// Ingest Gateway, Fan-out Distributor, ExecutionGuard and Trust Loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestRejections counts hot-path ingest rejections by reason.
	IngestRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_ingest_rejections_total",
		Help: "Count of rejected ingest packets by reason.",
	}, []string{"reason"})

	// IngestAccepted counts accepted ingest packets per master.
	IngestAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_ingest_accepted_total",
		Help: "Count of accepted ingest packets per master.",
	}, []string{"master_id"})

	// GuardRejections counts ExecutionGuard rejections by reason.
	GuardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_guard_rejections_total",
		Help: "Count of ExecutionGuard rejections by reason.",
	}, []string{"reason"})

	// GuardExecutions counts successful order placements.
	GuardExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_guard_executions_total",
		Help: "Count of signals that passed all six guards and executed.",
	}, []string{"subscription_id"})

	// GuardPipelineLatency measures per-signal admission decision latency.
	GuardPipelineLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replicator_guard_pipeline_latency_seconds",
		Help:    "Latency of the six-guard admission pipeline.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
	})

	// TrustScore tracks the current trust score per subscriber.
	TrustScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replicator_trust_score",
		Help: "Current trust score [0,100] per subscriber.",
	}, []string{"subscriber_id"})

	// SubscriptionState tracks subscription counts by current state.
	SubscriptionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replicator_subscription_state_count",
		Help: "Number of subscriptions currently in each state.",
	}, []string{"state"})

	// CapacityRejections counts admissions rejected by the resource guard
	// and packets rejected by the connection rate limiter, mirroring the
	// teacher's capacity rejection metric.
	CapacityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_capacity_rejections_total",
		Help: "Count of admissions rejected by the resource guard or the connection rate limiter, by cause.",
	}, []string{"cause"})

	// FullSyncReplays counts full-sync gap-recovery replays served.
	FullSyncReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replicator_fullsync_replays_total",
		Help: "Count of full-sync replay operations completed.",
	})
)
