package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skipper-release/skipper/internal/domain"
)

var (
	// operationsTotal counts finished release operations by kind and result.
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipper_release_operations_total",
		Help: "Finished release operations by operation and result",
	}, []string{"operation", "result"})

	// operationsRejected counts operations refused before a workflow started.
	operationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipper_release_operations_rejected_total",
		Help: "Release operations rejected before start, by operation and reason",
	}, []string{"operation", "reason"})

	// upgradeTransitions counts red/black upgrade phase changes.
	upgradeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipper_upgrade_transitions_total",
		Help: "Upgrade state machine transitions by target state and event",
	}, []string{"to", "event"})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skipper_reconcile_duration_seconds",
		Help:    "Duration of status reconciliation passes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// reconcileReleases counts releases handled by reconciliation passes.
	reconcileReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipper_reconcile_releases_total",
		Help: "Releases handled by status reconciliation, by outcome",
	}, []string{"outcome"})
)

// ObserveTransition counts an upgrade phase change. It fits
// [domain.ReleaseManager.OnTransition].
func ObserveTransition(_ domain.ReleaseKey, _, to domain.UpgradeState, event domain.UpgradeEvent) {
	upgradeTransitions.WithLabelValues(string(to), string(event)).Inc()
}
