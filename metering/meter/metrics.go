// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package meter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rephlo_metering_charges_total",
			Help: "Total number of finalized usage charges",
		},
		[]string{"pricing_source"},
	)
	promCreditsCharged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rephlo_metering_credits_charged_total",
			Help: "Total credits debited from user ledgers",
		},
	)
	promPreflightDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rephlo_metering_preflight_denials_total",
			Help: "Total number of requests denied at preflight",
		},
	)
	promPricingFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rephlo_metering_pricing_fallbacks_total",
			Help: "Total number of charges priced with fallback-current pricing",
		},
	)
	promPricingConfigErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rephlo_metering_pricing_config_errors_total",
			Help: "Total number of charges blocked by missing pricing configuration",
		},
	)
	promBillingShortfalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rephlo_metering_billing_shortfalls_total",
			Help: "Total number of under-collected charges",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promChargesTotal)
	prometheus.MustRegister(promCreditsCharged)
	prometheus.MustRegister(promPreflightDenials)
	prometheus.MustRegister(promPricingFallbacks)
	prometheus.MustRegister(promPricingConfigErrors)
	prometheus.MustRegister(promBillingShortfalls)
}
