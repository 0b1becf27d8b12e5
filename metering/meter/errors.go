// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package meter

import "errors"

var (
	// ErrPricingUnavailable is returned when no usable price exists for the
	// provider/model. A configuration error: charges for the model are blocked
	// until pricing is corrected, never silently defaulted to zero cost.
	ErrPricingUnavailable = errors.New("pricing unavailable for provider/model")

	// ErrChargeNotFound is returned when a charge record does not exist
	ErrChargeNotFound = errors.New("usage charge record not found")

	// ErrDuplicateCharge is returned when a record with the same request ID
	// already exists. Not a failure: the caller returns the stored record.
	ErrDuplicateCharge = errors.New("charge already recorded for request")

	// ErrInvalidRequest is returned for requests missing required identifiers
	ErrInvalidRequest = errors.New("invalid metering request")
)
