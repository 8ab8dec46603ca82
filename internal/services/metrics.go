// Package services – Prometheus domain counters
//
// Labels stay low-cardinality on purpose: outcomes and closed-set enums
// only, never store or customer identifiers.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// syncRuns counts bulk sync runs by terminal result.
	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_sync_runs_total",
			Help: "Total number of bulk catalog sync runs by result.",
		},
		[]string{"result"},
	)

	// syncItems counts items upserted by bulk sync runs.
	syncItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_sync_items_total",
			Help: "Total number of catalog items applied by bulk syncs.",
		},
	)

	// catalogChanges counts incremental change events by kind and operation.
	catalogChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_change_events_total",
			Help: "Total number of catalog change notifications applied.",
		},
		[]string{"kind", "op"},
	)

	// conversationSteps counts conversation turns by the state they end in.
	conversationSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_steps_total",
			Help: "Total number of handled conversation turns by resulting state.",
		},
		[]string{"state"},
	)

	// checkoutAttempts counts checkout outcomes by status and winning strategy.
	checkoutAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_attempts_total",
			Help: "Total number of checkout attempts by status and strategy.",
		},
		[]string{"status", "strategy"},
	)
)

func init() {
	prometheus.MustRegister(syncRuns, syncItems, catalogChanges, conversationSteps, checkoutAttempts)
}

// recordCheckout normalizes the empty strategy of invalid/failed outcomes.
func recordCheckout(r *CheckoutResult) {
	strategy := r.Strategy
	if strategy == "" {
		strategy = "none"
	}
	checkoutAttempts.WithLabelValues(r.Status, strategy).Inc()
}
