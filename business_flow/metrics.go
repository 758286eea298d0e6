package businessflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook deliveries partitioned by provider and outcome
	webhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Total number of provider webhooks processed",
		},
		[]string{"provider", "outcome"},
	)

	// Crediting attempts partitioned by provider and outcome (credited, duplicate, failed)
	creditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_credits_total",
			Help: "Total number of balance crediting attempts",
		},
		[]string{"provider", "outcome"},
	)

	// Units credited to user balances
	creditedAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_credited_amount_total",
			Help: "Total amount credited to balances in internal units",
		},
		[]string{"provider"},
	)

	referralPayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_payouts_total",
			Help: "Total number of referral payouts",
		},
		[]string{"reason", "outcome"},
	)

	// Polled records partitioned by provider and outcome (credited, pending, failed, unavailable)
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_polls_total",
			Help: "Total number of provider status polls",
		},
		[]string{"provider", "outcome"},
	)

	sweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_sweeps_total",
			Help: "Total number of reconciliation sweeps",
		},
	)

	effectFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_effect_failures_total",
			Help: "Total number of failed post-credit effects",
		},
		[]string{"effect"},
	)
)
