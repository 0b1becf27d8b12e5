// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package meter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"rephlo/platform/metering/ledger"
	"rephlo/platform/metering/pricing"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const chargeColumns = `request_id, user_id, provider, model, input_tokens, output_tokens,
	   cached_input_tokens, vendor_cost_micros, credits_charged, credits_shortfall,
	   charged_from, pricing_source, price_entry_id, created_at`

// Insert persists a charge record
func (r *PostgresRepository) Insert(ctx context.Context, record *UsageChargeRecord) error {
	chargedFrom, err := json.Marshal(record.ChargedFrom)
	if err != nil {
		return fmt.Errorf("failed to marshal charged_from: %w", err)
	}

	query := `
		INSERT INTO usage_charge_records (
			request_id, user_id, provider, model, input_tokens, output_tokens,
			cached_input_tokens, vendor_cost_micros, credits_charged, credits_shortfall,
			charged_from, pricing_source, price_entry_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.ExecContext(ctx, query,
		record.RequestID, record.UserID, record.Provider, record.Model,
		record.InputTokens, record.OutputTokens, record.CachedInputTokens,
		int64(record.VendorCostMicros), record.CreditsCharged, record.CreditsShortfall,
		chargedFrom, record.PricingSource, record.PriceEntryID, record.Timestamp,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateCharge
		}
		return fmt.Errorf("failed to insert charge record: %w", err)
	}

	return nil
}

// GetByRequestID returns the stored record or ErrChargeNotFound
func (r *PostgresRepository) GetByRequestID(ctx context.Context, requestID string) (*UsageChargeRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM usage_charge_records WHERE request_id = $1`, chargeColumns)

	record, err := scanCharge(r.db.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, ErrChargeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge record: %w", err)
	}
	return record, nil
}

// List returns charge records newest-first with the total count
func (r *PostgresRepository) List(ctx context.Context, opts ChargeQueryOptions) ([]UsageChargeRecord, int, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	if opts.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIndex))
		args = append(args, opts.UserID)
		argIndex++
	}
	if opts.Provider != "" {
		conditions = append(conditions, fmt.Sprintf("provider = $%d", argIndex))
		args = append(args, opts.Provider)
		argIndex++
	}
	if opts.Model != "" {
		conditions = append(conditions, fmt.Sprintf("model = $%d", argIndex))
		args = append(args, opts.Model)
		argIndex++
	}
	if !opts.StartTime.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, opts.StartTime)
		argIndex++
	}
	if !opts.EndTime.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIndex))
		args = append(args, opts.EndTime)
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM usage_charge_records %s", whereClause)
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count charge records: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM usage_charge_records
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, chargeColumns, whereClause, argIndex, argIndex+1)

	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list charge records: %w", err)
	}
	defer rows.Close()

	var records []UsageChargeRecord
	for rows.Next() {
		record, err := scanCharge(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan charge record: %w", err)
		}
		records = append(records, *record)
	}

	return records, total, rows.Err()
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Helper functions

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCharge(row rowScanner) (*UsageChargeRecord, error) {
	var record UsageChargeRecord
	var vendorCost int64
	var chargedFrom []byte
	var priceEntryID sql.NullString

	err := row.Scan(
		&record.RequestID, &record.UserID, &record.Provider, &record.Model,
		&record.InputTokens, &record.OutputTokens, &record.CachedInputTokens,
		&vendorCost, &record.CreditsCharged, &record.CreditsShortfall,
		&chargedFrom, &record.PricingSource, &priceEntryID, &record.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	record.VendorCostMicros = pricing.Micros(vendorCost)
	record.VendorCostUSD = record.VendorCostMicros.USD()
	record.PriceEntryID = priceEntryID.String

	var charges []ledger.GrantCharge
	if err := json.Unmarshal(chargedFrom, &charges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charged_from: %w", err)
	}
	record.ChargedFrom = charges

	return &record, nil
}
