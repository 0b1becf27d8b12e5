// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package ledger

import "errors"

var (
	// ErrInsufficientCredits is returned when a deduction exceeds the combined
	// remaining balance. An expected business outcome, not a system fault.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrConcurrencyConflict is returned when a conditional update lost a race
	// and internal retries were exhausted. Callers should retry with the same
	// idempotency key.
	ErrConcurrencyConflict = errors.New("concurrent deduction conflict")

	// ErrGrantNotFound is returned when a grant ID does not exist
	ErrGrantNotFound = errors.New("credit grant not found")

	// ErrNotProGrant is returned when revocation targets a non-pro grant
	ErrNotProGrant = errors.New("grant is not a pro grant")

	// ErrInvalidAmount is returned for zero or negative credit amounts
	ErrInvalidAmount = errors.New("credit amount must be positive")

	// ErrInvalidUserID is returned for a missing user ID
	ErrInvalidUserID = errors.New("invalid user ID")

	// ErrMissingIdempotencyKey is returned when a deduction carries no key
	ErrMissingIdempotencyKey = errors.New("deduction requires an idempotency key")

	// ErrInvalidPeriod is returned for an empty or inverted billing period
	ErrInvalidPeriod = errors.New("invalid billing period")
)
