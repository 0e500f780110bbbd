// Package metrics exposes Prometheus counters for the payment path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests by route group and status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satgate_requests_total",
		Help: "HTTP requests handled, by route group and status class.",
	}, []string{"route", "status"})

	// InvoicesCreated counts Lightning invoices minted, by purpose.
	InvoicesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satgate_invoices_created_total",
		Help: "Lightning invoices created, by purpose (l402, topup).",
	}, []string{"purpose"})

	// PaymentsRedeemed counts successfully verified L402 credentials.
	PaymentsRedeemed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satgate_payments_redeemed_total",
		Help: "L402 credentials verified and consumed.",
	})

	// ReplaysRejected counts redemption attempts on an already-spent hash.
	ReplaysRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satgate_replays_rejected_total",
		Help: "Redemption attempts rejected by the replay guard.",
	})

	// BalanceSpends counts prepaid-balance debits on the proxy path.
	BalanceSpends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satgate_balance_spends_total",
		Help: "Requests paid from a prepaid balance.",
	})

	// EscrowSatsLocked sums sats locked into marketplace escrow.
	EscrowSatsLocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satgate_escrow_sats_locked_total",
		Help: "Sats locked into escrow by accepted quotes.",
	})

	// EscrowSatsReleased sums sats released to contractors.
	EscrowSatsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satgate_escrow_sats_released_total",
		Help: "Sats released to contractors on confirmed delivery.",
	})

	// UpstreamErrors counts failed calls to upstream AI providers.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satgate_upstream_errors_total",
		Help: "Upstream provider call failures, by API name.",
	}, []string{"api"})

	// PhoenixErrors counts failed calls to the payment node.
	PhoenixErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satgate_phoenix_errors_total",
		Help: "Failed calls to the phoenixd payment node.",
	})
)
