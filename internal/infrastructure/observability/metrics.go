package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Per-provider reconciliation outcomes: applied, duplicate, no_match,
	// stale, conflict, rejected.
	ReconciliationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_events_total",
			Help: "Total number of reconciled provider events by outcome",
		},
		[]string{"provider", "result"},
	)

	ExpiredTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "expired_transactions_total",
			Help: "Total number of pending transactions marked TIMEOUT by the sweep",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(RepositoryCalls, RepositoryDuration, ReconciliationEvents, ExpiredTransactions)
}
