// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package pricing

import (
	"context"
	"time"
)

// Repository defines the interface for price entry persistence
type Repository interface {
	// ResolveAt returns the active entry covering the instant, or
	// ErrPriceNotFound. If multiple entries cover the instant (overlap
	// invariant violated), the one with the latest EffectiveFrom wins.
	ResolveAt(ctx context.Context, provider, model string, at time.Time) (*PriceEntry, error)

	// HasAny reports whether any entry (active or not) exists for the pair.
	// Used to distinguish a pricing gap from total pricing absence.
	HasAny(ctx context.Context, provider, model string) (bool, error)

	// ListActive returns all active entries covering the instant
	ListActive(ctx context.Context, at time.Time) ([]PriceEntry, error)

	// Create persists a new entry after verifying it does not overlap an
	// existing active entry for the same provider/model
	Create(ctx context.Context, entry *PriceEntry) error

	// Deactivate marks an entry inactive; it no longer participates in lookup
	Deactivate(ctx context.Context, id string) error

	// Utility
	Ping(ctx context.Context) error
}
