package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the money paths: transactions by type and outcome,
// settlement lifecycle, and retry pressure on the optimistic wallet path.
type Metrics struct {
	TransactionsTotal    *prometheus.CounterVec
	TransactionAmount    *prometheus.HistogramVec
	SettlementsTotal     *prometheus.CounterVec
	ReversalsTotal       prometheus.Counter
	ConflictRetriesTotal prometheus.Counter
	IdempotentReplays    prometheus.Counter
	WalletsGauge         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betcore",
			Name:      "transactions_total",
			Help:      "Transactions recorded, by type and final status.",
		}, []string{"type", "status"}),
		TransactionAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "betcore",
			Name:      "transaction_amount",
			Help:      "Transaction amounts in wallet currency units.",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 8),
		}, []string{"type"}),
		SettlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betcore",
			Name:      "settlements_total",
			Help:      "Settlement transitions, by target state.",
		}, []string{"state"}),
		ReversalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "betcore",
			Name:      "reversals_total",
			Help:      "Ledger entries reversed.",
		}),
		ConflictRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "betcore",
			Name:      "conflict_retries_total",
			Help:      "Optimistic concurrency retries on wallet balances.",
		}),
		IdempotentReplays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "betcore",
			Name:      "idempotent_replays_total",
			Help:      "Requests answered from the idempotency store.",
		}),
		WalletsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "betcore",
			Name:      "wallets",
			Help:      "Wallets currently tracked in memory.",
		}),
	}
}
