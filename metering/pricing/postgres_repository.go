// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const priceColumns = `id, provider, model, input_micros_per_1k, output_micros_per_1k,
	   cache_input_micros_per_1k, cache_hit_micros_per_1k,
	   effective_from, effective_until, is_active, created_at`

// ResolveAt returns the active entry covering the instant
func (r *PostgresRepository) ResolveAt(ctx context.Context, provider, model string, at time.Time) (*PriceEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM price_entries
		WHERE provider = $1
		  AND model = $2
		  AND is_active = true
		  AND effective_from <= $3
		  AND (effective_until IS NULL OR effective_until > $3)
		ORDER BY effective_from DESC
		LIMIT 1
	`, priceColumns)

	entry, err := scanPriceEntry(r.db.QueryRowContext(ctx, query, provider, model, at))
	if err == sql.ErrNoRows {
		return nil, ErrPriceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve price: %w", err)
	}
	return entry, nil
}

// HasAny reports whether any entry exists for the pair
func (r *PostgresRepository) HasAny(ctx context.Context, provider, model string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM price_entries WHERE provider = $1 AND model = $2)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, provider, model).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check pricing existence: %w", err)
	}
	return exists, nil
}

// ListActive returns all active entries covering the instant
func (r *PostgresRepository) ListActive(ctx context.Context, at time.Time) ([]PriceEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM price_entries
		WHERE is_active = true
		  AND effective_from <= $1
		  AND (effective_until IS NULL OR effective_until > $1)
		ORDER BY provider, model
	`, priceColumns)

	rows, err := r.db.QueryContext(ctx, query, at)
	if err != nil {
		return nil, fmt.Errorf("failed to list active prices: %w", err)
	}
	defer rows.Close()

	var entries []PriceEntry
	for rows.Next() {
		entry, err := scanPriceEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan price entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	return entries, rows.Err()
}

// Create persists a new entry inside a transaction that first verifies the
// non-overlap invariant against existing active entries for the pair.
func (r *PostgresRepository) Create(ctx context.Context, entry *PriceEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Serialize concurrent creates for the same pair; without this, two
	// transactions could both pass the overlap check and insert overlapping
	// active entries. The lock releases at commit or rollback.
	_, err = tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`,
		entry.Provider, entry.Model,
	)
	if err != nil {
		return fmt.Errorf("failed to lock price pair: %w", err)
	}

	overlapQuery := `
		SELECT COUNT(*)
		FROM price_entries
		WHERE provider = $1
		  AND model = $2
		  AND is_active = true
		  AND (effective_until IS NULL OR effective_until > $3)
		  AND ($4::timestamptz IS NULL OR effective_from < $4)
	`

	var overlapping int
	err = tx.QueryRowContext(ctx, overlapQuery,
		entry.Provider, entry.Model, entry.EffectiveFrom, nullTime(entry.EffectiveUntil),
	).Scan(&overlapping)
	if err != nil {
		return fmt.Errorf("failed to check price overlap: %w", err)
	}
	if overlapping > 0 {
		return ErrPriceOverlap
	}

	insertQuery := `
		INSERT INTO price_entries (
			id, provider, model, input_micros_per_1k, output_micros_per_1k,
			cache_input_micros_per_1k, cache_hit_micros_per_1k,
			effective_from, effective_until, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = tx.ExecContext(ctx, insertQuery,
		entry.ID, entry.Provider, entry.Model,
		int64(entry.InputPer1K), int64(entry.OutputPer1K),
		nullMicros(entry.CacheInputPer1K), nullMicros(entry.CacheHitPer1K),
		entry.EffectiveFrom, nullTime(entry.EffectiveUntil),
		entry.IsActive, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create price entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit price entry: %w", err)
	}
	return nil
}

// Deactivate marks an entry inactive
func (r *PostgresRepository) Deactivate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE price_entries SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate price entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Helper functions

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPriceEntry(row rowScanner) (*PriceEntry, error) {
	var entry PriceEntry
	var input, output int64
	var cacheInput, cacheHit sql.NullInt64
	var until sql.NullTime

	err := row.Scan(
		&entry.ID, &entry.Provider, &entry.Model, &input, &output,
		&cacheInput, &cacheHit,
		&entry.EffectiveFrom, &until, &entry.IsActive, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.InputPer1K = Micros(input)
	entry.OutputPer1K = Micros(output)
	if cacheInput.Valid {
		m := Micros(cacheInput.Int64)
		entry.CacheInputPer1K = &m
	}
	if cacheHit.Valid {
		m := Micros(cacheHit.Int64)
		entry.CacheHitPer1K = &m
	}
	if until.Valid {
		t := until.Time
		entry.EffectiveUntil = &t
	}

	return &entry, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullMicros(m *Micros) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*m), Valid: true}
}
