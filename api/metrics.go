package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cashless_transactions_total",
		Help: "Transactions submitted through the API, by type and outcome.",
	}, []string{"type", "outcome"})

	applyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cashless_apply_duration_seconds",
		Help:    "End-to-end latency of transaction application.",
		Buckets: prometheus.DefBuckets,
	})

	reconcileConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cashless_reconcile_conflicts_total",
		Help: "Offline intents that failed replay due to insufficient balance.",
	})

	divergenceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cashless_divergence_total",
		Help: "Balance verifications that found the live balance out of sync with the log.",
	})
)
