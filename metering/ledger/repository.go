// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
)

// Repository defines the interface for credit grant persistence.
//
// DeductAtomic is the only mutation on the hot path and carries the
// linearizability contract: two concurrent calls for the same user must never
// both observe the same pre-deduction balance, while calls for different
// users must not contend on any shared lock.
type Repository interface {
	// GrantsForUser returns every grant belonging to the user, free and pro,
	// current and historical.
	GrantsForUser(ctx context.Context, userID string) ([]CreditGrant, error)

	// DeductAtomic debits amount across the user's active grants, free pool
	// first and then pro grants in creation order, in one all-or-nothing
	// transaction. A previously applied idempotency key returns the original
	// result with AlreadyApplied set. Insufficient balance returns
	// ErrInsufficientCredits with no partial debit; a lost conditional update
	// returns ErrConcurrencyConflict.
	DeductAtomic(ctx context.Context, userID string, amount int64, idempotencyKey string) (*DeductionResult, error)

	// ReplaceCurrentFreeGrant flips the user's current free grant (if any) to
	// not-current and inserts the new grant, in one transaction.
	ReplaceCurrentFreeGrant(ctx context.Context, grant *CreditGrant) error

	// InsertGrant appends a grant. Used for pro purchases.
	InsertGrant(ctx context.Context, grant *CreditGrant) error

	// RevokeProGrant flips a pro grant out of the active set. Its counters are
	// frozen as the historical record.
	RevokeProGrant(ctx context.Context, grantID string) error

	// GrantHistory returns the user's grants newest-first with the total count
	GrantHistory(ctx context.Context, userID string, limit, offset int) ([]CreditGrant, int, error)

	// Utility
	Ping(ctx context.Context) error
}
