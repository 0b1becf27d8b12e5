// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package meter

import (
	"context"
)

// Repository defines the interface for usage charge record persistence.
// request_id is the primary key, so the table is both the audit log and the
// facade-level idempotency store.
type Repository interface {
	// Insert persists a charge record. A duplicate request ID returns
	// ErrDuplicateCharge; the caller replays the stored record instead.
	Insert(ctx context.Context, record *UsageChargeRecord) error

	// GetByRequestID returns the stored record or ErrChargeNotFound
	GetByRequestID(ctx context.Context, requestID string) (*UsageChargeRecord, error)

	// List returns charge records newest-first with the total count
	List(ctx context.Context, opts ChargeQueryOptions) ([]UsageChargeRecord, int, error)

	// Utility
	Ping(ctx context.Context) error
}
