package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_disbursement_requests_total",
			Help: "Total number of disbursement requests by outcome",
		},
		[]string{"outcome"}, // "success", "failed", "rejected", "error"
	)

	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_disbursement_rejections_total",
			Help: "Total number of requests rejected before any record was created",
		},
		[]string{"reason"},
	)

	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faucet_transfer_duration_seconds",
			Help:    "Duration of downstream transfer calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~102s
		},
		[]string{"status"},
	)

	FinalizeConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faucet_finalize_conflicts_total",
			Help: "Finalize attempts that found the request already terminal",
		},
	)

	SweepTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_sweep_total",
			Help: "Total number of stale-pending sweeps",
		},
		[]string{"status"},
	)

	SweptRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faucet_swept_requests_total",
			Help: "Pending requests failed by the sweeper",
		},
	)

	HookFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_hook_failures_total",
			Help: "Post-finalize hook failures",
		},
		[]string{"hook"},
	)

	StoreQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_store_queries_total",
			Help: "Total number of store queries",
		},
		[]string{"op", "status"},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faucet_store_query_duration_seconds",
			Help:    "Duration of store queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
		[]string{"op"},
	)

	FaucetBalanceLamports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "faucet_balance_lamports",
			Help: "Last observed balance of the faucet account",
		},
	)
)

// RecordStoreQuery records metrics for one store operation.
func RecordStoreQuery(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreQueriesTotal.WithLabelValues(op, status).Inc()
	StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
