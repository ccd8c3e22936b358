package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the payment pipeline counters.
type Metrics struct {
	PaymentsInitiated  prometheus.Counter
	InitiationFailures prometheus.Counter
	SessionsResolved   *prometheus.CounterVec
	DuplicateResolves  prometheus.Counter
	CallbacksReceived  prometheus.Counter
	LedgerCommits      prometheus.Counter
	LedgerDuplicates   prometheus.Counter
}

// New registers the payment metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PaymentsInitiated: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiba_payments_initiated_total",
			Help: "STK push initiations accepted by the gateway.",
		}),
		InitiationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiba_payments_initiation_failures_total",
			Help: "STK push initiations rejected by the gateway or transport.",
		}),
		SessionsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tiba_checkout_sessions_resolved_total",
			Help: "Checkout sessions moved to a terminal status.",
		}, []string{"status", "source"}),
		DuplicateResolves: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiba_checkout_duplicate_resolves_total",
			Help: "Resolutions that lost the race to an earlier confirmation path.",
		}),
		CallbacksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiba_gateway_callbacks_received_total",
			Help: "Asynchronous gateway callbacks received.",
		}),
		LedgerCommits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiba_ledger_commits_total",
			Help: "Payment records appended to the token ledger.",
		}),
		LedgerDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiba_ledger_duplicate_commits_total",
			Help: "Ledger commits skipped by the idempotency guard.",
		}),
	}
}
