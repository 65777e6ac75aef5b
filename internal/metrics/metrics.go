package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygate_dispatch_claims_total",
			Help: "Total number of generations successfully claimed, by tier.",
		},
		[]string{"device_id", "tier"},
	)

	DispatchContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygate_dispatch_contention_total",
			Help: "Total number of conditional claims lost to a concurrent dispatcher.",
		},
		[]string{"device_id"},
	)

	CapabilityRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygate_capability_rejections_total",
			Help: "Total number of generations rejected by the capability matcher.",
		},
		[]string{"device_id"},
	)

	PollRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygate_poll_requests_total",
			Help: "Total number of agent long-poll requests by outcome.",
		},
		[]string{"outcome"},
	)

	EventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygate_events_delivered_total",
			Help: "Total number of events delivered to agents by event name.",
		},
		[]string{"event"},
	)

	CreditsTransferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfygate_credits_transferred_total",
			Help: "Total credits transferred from job owners to agent owners.",
		},
	)

	ReconcileSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfygate_reconcile_sweeps_total",
			Help: "Total number of reconciliation sweeps executed.",
		},
	)

	ReconciledGenerationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfygate_reconciled_generations_total",
			Help: "Total number of orphaned generations re-added to the pool.",
		},
	)

	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfygate_pool_size",
			Help: "Number of generations currently held in the in-memory pool.",
		},
	)
)

// Register installs all gateway collectors on the default registry.
func Register() {
	prometheus.MustRegister(
		DispatchClaimsTotal,
		DispatchContentionTotal,
		CapabilityRejectionsTotal,
		PollRequestsTotal,
		EventsDeliveredTotal,
		CreditsTransferredTotal,
		ReconcileSweepsTotal,
		ReconciledGenerationsTotal,
		PoolSize,
	)
}
