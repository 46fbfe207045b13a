package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	// Ledger
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_transactions_total",
			Help: "Total committed ledger transactions",
		},
		[]string{"type"},
	)
	TransactionsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_transactions_failed_total",
			Help: "Total failed ledger transactions",
		},
	)
	DuplicateSubmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_duplicate_submissions_total",
			Help: "Total submissions short-circuited by the idempotency key",
		},
	)

	// Payouts
	PayoutTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_payout_transitions_total",
			Help: "Total payout request status transitions",
		},
		[]string{"to_status"},
	)

	// Reconciliation
	ReconcileDriftDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_reconcile_drift_total",
			Help: "Total wallets found with balance drift during reconciliation",
		},
	)
)

// Handler serves the /metrics endpoint.
var Handler = promhttp.Handler

func Init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionsFailed)
	prometheus.MustRegister(DuplicateSubmissions)
	prometheus.MustRegister(PayoutTransitions)
	prometheus.MustRegister(ReconcileDriftDetected)
}
