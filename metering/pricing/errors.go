// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package pricing

import "errors"

var (
	// ErrPriceNotFound is returned when no price entry covers the requested instant
	ErrPriceNotFound = errors.New("no price entry covers the requested time")

	// ErrNoPricing is returned when a (provider, model) pair has no entries at
	// all. This is a configuration error that blocks new charges for the model.
	ErrNoPricing = errors.New("no pricing configured for provider/model")

	// ErrPriceOverlap is returned when a new entry's validity range overlaps an
	// existing active entry for the same provider/model
	ErrPriceOverlap = errors.New("price entry overlaps an existing active entry")

	// ErrEntryNotFound is returned when a price entry ID does not exist
	ErrEntryNotFound = errors.New("price entry not found")

	// ErrInvalidProvider is returned for a missing provider name
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModel is returned for a missing model name
	ErrInvalidModel = errors.New("invalid model")

	// ErrInvalidPrice is returned for negative per-token prices
	ErrInvalidPrice = errors.New("prices must not be negative")

	// ErrInvalidEffectiveRange is returned for an empty or inverted validity range
	ErrInvalidEffectiveRange = errors.New("invalid effective range")

	// ErrMissingPrice is returned when cost computation is attempted without a
	// resolved price entry
	ErrMissingPrice = errors.New("cost computation requires a resolved price entry")
)
