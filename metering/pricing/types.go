// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

// Package pricing provides the vendor price catalog and cost calculator for
// LLM token usage. Price entries are versioned over time so that a charge can
// be priced with the catalog as it stood when the request was issued.
package pricing

import (
	"math"
	"time"
)

// Micros is a USD amount in integer micro-dollars (1e-6 USD). All cost
// arithmetic inside the engine uses Micros; floating point appears only at
// display boundaries.
type Micros int64

// USD converts a micro-dollar amount to a float for display.
func (m Micros) USD() float64 {
	return float64(m) / 1e6
}

// MicrosFromUSD converts a display amount to micro-dollars. Rounded, not
// truncated: float representation error on amounts like 8.2 must not shave a
// micro-dollar off the stored price.
func MicrosFromUSD(usd float64) Micros {
	return Micros(math.Round(usd * 1e6))
}

// PriceEntry is one versioned price for a (provider, model) pair, valid over
// [EffectiveFrom, EffectiveUntil). A nil EffectiveUntil means open-ended.
// Per-1K-token prices are stored in micro-dollars.
type PriceEntry struct {
	ID              string     `json:"id"`
	Provider        string     `json:"provider"`
	Model           string     `json:"model"`
	InputPer1K      Micros     `json:"input_micros_per_1k"`
	OutputPer1K     Micros     `json:"output_micros_per_1k"`
	CacheInputPer1K *Micros    `json:"cache_input_micros_per_1k,omitempty"`
	CacheHitPer1K   *Micros    `json:"cache_hit_micros_per_1k,omitempty"`
	EffectiveFrom   time.Time  `json:"effective_from"`
	EffectiveUntil  *time.Time `json:"effective_until,omitempty"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at,omitempty"`
}

// Covers reports whether the entry's validity range contains the instant.
func (e *PriceEntry) Covers(at time.Time) bool {
	if at.Before(e.EffectiveFrom) {
		return false
	}
	if e.EffectiveUntil != nil && !at.Before(*e.EffectiveUntil) {
		return false
	}
	return true
}

// Overlaps reports whether the entry's validity range intersects
// [from, until). A nil until means open-ended.
func (e *PriceEntry) Overlaps(from time.Time, until *time.Time) bool {
	if e.EffectiveUntil != nil && !from.Before(*e.EffectiveUntil) {
		return false
	}
	if until != nil && !e.EffectiveFrom.Before(*until) {
		return false
	}
	return true
}

// Validate validates a price entry before it is persisted.
func (e *PriceEntry) Validate() error {
	if e.Provider == "" {
		return ErrInvalidProvider
	}
	if e.Model == "" {
		return ErrInvalidModel
	}
	if e.InputPer1K < 0 || e.OutputPer1K < 0 {
		return ErrInvalidPrice
	}
	if e.CacheInputPer1K != nil && *e.CacheInputPer1K < 0 {
		return ErrInvalidPrice
	}
	if e.CacheHitPer1K != nil && *e.CacheHitPer1K < 0 {
		return ErrInvalidPrice
	}
	if e.EffectiveFrom.IsZero() {
		return ErrInvalidEffectiveRange
	}
	if e.EffectiveUntil != nil && !e.EffectiveFrom.Before(*e.EffectiveUntil) {
		return ErrInvalidEffectiveRange
	}
	return nil
}

// TokenUsage is the raw token counts reported by a provider for one request.
type TokenUsage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
}

// TotalTokens returns total tokens used
func (u TokenUsage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CachedInputTokens
}

// CostBreakdown is the vendor cost of one request split by token class.
type CostBreakdown struct {
	InputCost  Micros `json:"input_cost_micros"`
	OutputCost Micros `json:"output_cost_micros"`
	CachedCost Micros `json:"cached_cost_micros"`
	TotalCost  Micros `json:"total_cost_micros"`
}
