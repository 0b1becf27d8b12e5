// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements create the engine's tables. Statements are idempotent so
// startup can run them unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS credit_grants (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		credit_type TEXT NOT NULL CHECK (credit_type IN ('free', 'pro')),
		total_credits BIGINT NOT NULL CHECK (total_credits >= 0),
		used_credits BIGINT NOT NULL DEFAULT 0
			CHECK (used_credits >= 0 AND used_credits <= total_credits),
		billing_period_start TIMESTAMPTZ,
		billing_period_end TIMESTAMPTZ,
		is_current BOOLEAN NOT NULL DEFAULT true,
		monthly_allocation BIGINT,
		reset_day_of_month INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_grants_one_current_free
		ON credit_grants (user_id)
		WHERE credit_type = 'free' AND is_current = true`,
	`CREATE INDEX IF NOT EXISTS idx_credit_grants_user
		ON credit_grants (user_id, is_current)`,

	`CREATE TABLE IF NOT EXISTS price_entries (
		id UUID PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		input_micros_per_1k BIGINT NOT NULL CHECK (input_micros_per_1k >= 0),
		output_micros_per_1k BIGINT NOT NULL CHECK (output_micros_per_1k >= 0),
		cache_input_micros_per_1k BIGINT,
		cache_hit_micros_per_1k BIGINT,
		effective_from TIMESTAMPTZ NOT NULL,
		effective_until TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_entries_lookup
		ON price_entries (provider, model, effective_from DESC)
		WHERE is_active = true`,

	`CREATE TABLE IF NOT EXISTS usage_charge_records (
		request_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INT NOT NULL,
		output_tokens INT NOT NULL,
		cached_input_tokens INT NOT NULL DEFAULT 0,
		vendor_cost_micros BIGINT NOT NULL,
		credits_charged BIGINT NOT NULL,
		credits_shortfall BIGINT NOT NULL DEFAULT 0,
		charged_from JSONB NOT NULL,
		pricing_source TEXT NOT NULL,
		price_entry_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_charge_records_user
		ON usage_charge_records (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS credit_deductions (
		idempotency_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		charged_from JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the engine's tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
