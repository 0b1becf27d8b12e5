// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

// Package ledger provides the credit grant store and accounting service.
// Each user holds two pools: a recurring billing-period-scoped free pool
// (exactly one current grant) and an additive pool of purchased pro grants.
// Deductions are atomic across both pools and idempotent per request.
package ledger

import (
	"math"
	"time"
)

// CreditType distinguishes the two credit pools
type CreditType string

const (
	CreditTypeFree CreditType = "free"
	CreditTypePro  CreditType = "pro"
)

// CreditGrant is one block of credits with its own used/total counters.
// A free grant is scoped to a billing period and replaced on rollover; a pro
// grant is append-only and only leaves the active set by admin revocation.
type CreditGrant struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	CreditType         CreditType `json:"credit_type"`
	TotalCredits       int64      `json:"total_credits"`
	UsedCredits        int64      `json:"used_credits"`
	BillingPeriodStart *time.Time `json:"billing_period_start,omitempty"`
	BillingPeriodEnd   *time.Time `json:"billing_period_end,omitempty"`
	IsCurrent          bool       `json:"is_current"`
	MonthlyAllocation  int64      `json:"monthly_allocation,omitempty"`
	ResetDayOfMonth    int        `json:"reset_day_of_month,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Remaining returns the unspent credits on this grant
func (g *CreditGrant) Remaining() int64 {
	return g.TotalCredits - g.UsedCredits
}

// FreeBalance describes the current free grant
type FreeBalance struct {
	Remaining         int64      `json:"remaining"`
	Used              int64      `json:"used"`
	MonthlyAllocation int64      `json:"monthly_allocation"`
	ResetDate         *time.Time `json:"reset_date,omitempty"`
	DaysUntilReset    int        `json:"days_until_reset"`
}

// ProBalance aggregates the purchased pool
type ProBalance struct {
	Remaining      int64 `json:"remaining"`
	PurchasedTotal int64 `json:"purchased_total"`
	LifetimeUsed   int64 `json:"lifetime_used"`
}

// Balances is the full per-user balance view
type Balances struct {
	Free           FreeBalance `json:"free"`
	Pro            ProBalance  `json:"pro"`
	TotalAvailable int64       `json:"total_available"`
}

// GrantCharge records how much of a deduction one grant absorbed
type GrantCharge struct {
	GrantID string `json:"grant_id"`
	Amount  int64  `json:"amount"`
}

// DeductionResult is the outcome of an atomic deduction. ChargedFrom lists
// the debited grants in deduction order. InsufficientBy is non-zero only when
// the deduction failed for lack of balance (no partial debit was applied).
// AlreadyApplied marks an idempotent replay of a previously applied key.
type DeductionResult struct {
	ChargedFrom    []GrantCharge `json:"charged_from"`
	InsufficientBy int64         `json:"insufficient_by,omitempty"`
	AlreadyApplied bool          `json:"already_applied,omitempty"`
}

// daysUntil returns whole days from now until end, rounded up and clamped to
// zero. A period end in the past means exhausted-and-pending-rollover, never
// a negative count.
func daysUntil(now, end time.Time) int {
	if !end.After(now) {
		return 0
	}
	return int(math.Ceil(end.Sub(now).Hours() / 24))
}
