// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

// Package meter is the single entry point charged once per billed LLM
// request. Preflight gate-checks available credits before dispatch; Finalize
// prices the actual usage with the catalog as it stood at request start,
// converts to credits, and atomically debits the ledger.
package meter

import (
	"time"

	"rephlo/platform/metering/ledger"
	"rephlo/platform/metering/pricing"
)

// Pricing sources stamped on charge records for audit review
const (
	PricingSourceHistorical      = "historical"
	PricingSourceFallbackCurrent = "fallback-current"
)

// PreflightRequest asks whether a request should be dispatched at all
type PreflightRequest struct {
	UserID                string `json:"user_id"`
	Provider              string `json:"provider"`
	Model                 string `json:"model"`
	Tier                  string `json:"tier"`
	EstimatedInputTokens  int    `json:"estimated_input_tokens"`
	EstimatedOutputTokens int    `json:"estimated_output_tokens"`
}

// PreflightDecision is advisory: it prevents obviously-doomed requests from
// reaching the provider but reserves nothing.
type PreflightDecision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	EstimatedCredits int64  `json:"estimated_credits"`
	AvailableCredits int64  `json:"available_credits"`
}

// FinalizeRequest carries the actual token counts reported by the provider
type FinalizeRequest struct {
	RequestID        string             `json:"request_id"`
	UserID           string             `json:"user_id"`
	Provider         string             `json:"provider"`
	Model            string             `json:"model"`
	Tier             string             `json:"tier"`
	RequestStartedAt time.Time          `json:"request_started_at"`
	Usage            pricing.TokenUsage `json:"usage"`
}

// UsageChargeRecord is the audit record emitted for every finalized charge.
// RequestID doubles as the idempotency key; CreditsShortfall is non-zero when
// the ledger could not fully collect for usage that actually occurred.
type UsageChargeRecord struct {
	RequestID         string               `json:"request_id"`
	UserID            string               `json:"user_id"`
	Provider          string               `json:"provider"`
	Model             string               `json:"model"`
	InputTokens       int                  `json:"input_tokens"`
	OutputTokens      int                  `json:"output_tokens"`
	CachedInputTokens int                  `json:"cached_input_tokens,omitempty"`
	VendorCostMicros  pricing.Micros       `json:"vendor_cost_micros"`
	VendorCostUSD     float64              `json:"vendor_cost_usd"`
	CreditsCharged    int64                `json:"credits_charged"`
	CreditsShortfall  int64                `json:"credits_shortfall,omitempty"`
	ChargedFrom       []ledger.GrantCharge `json:"charged_from"`
	PricingSource     string               `json:"pricing_source"`
	PriceEntryID      string               `json:"price_entry_id"`
	Timestamp         time.Time            `json:"timestamp"`
}

// ChargeQueryOptions filters charge record listings
type ChargeQueryOptions struct {
	UserID    string    `json:"user_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}
