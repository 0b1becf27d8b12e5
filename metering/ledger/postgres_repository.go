// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresRepository implements Repository using PostgreSQL. Per-user
// serialization comes from FOR UPDATE row locks on the user's grant rows;
// every debit additionally carries a used_credits + x <= total_credits guard
// so an over-spend is structurally impossible even if the locking discipline
// were ever broken.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const grantColumns = `id, user_id, credit_type, total_credits, used_credits,
	   billing_period_start, billing_period_end, is_current,
	   monthly_allocation, reset_day_of_month, created_at, updated_at`

// GrantsForUser returns every grant belonging to the user
func (r *PostgresRepository) GrantsForUser(ctx context.Context, userID string) ([]CreditGrant, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM credit_grants
		WHERE user_id = $1
		ORDER BY created_at ASC
	`, grantColumns)

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	defer rows.Close()

	return scanGrants(rows)
}

// DeductAtomic debits amount across the user's active grants in one
// transaction. See Repository for the full contract.
func (r *PostgresRepository) DeductAtomic(ctx context.Context, userID string, amount int64, idempotencyKey string) (*DeductionResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Idempotency check first: a previously applied key returns the original
	// split without touching any grant.
	var chargedFromJSON []byte
	err = tx.QueryRowContext(ctx,
		`SELECT charged_from FROM credit_deductions WHERE idempotency_key = $1`,
		idempotencyKey,
	).Scan(&chargedFromJSON)
	if err == nil {
		var charges []GrantCharge
		if jerr := json.Unmarshal(chargedFromJSON, &charges); jerr != nil {
			return nil, fmt.Errorf("failed to decode recorded deduction: %w", jerr)
		}
		return &DeductionResult{ChargedFrom: charges, AlreadyApplied: true}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check idempotency key: %w", mapConflict(err))
	}

	// Lock the user's active grants, free pool first, pro grants in creation
	// order. The lock scope is a single user's rows, so unrelated users never
	// contend.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, total_credits, used_credits
		FROM credit_grants
		WHERE user_id = $1
		  AND is_current = true
		ORDER BY CASE WHEN credit_type = 'free' THEN 0 ELSE 1 END, created_at ASC
		FOR UPDATE
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock grants: %w", mapConflict(err))
	}

	type lockedGrant struct {
		id        string
		remaining int64
	}
	var grants []lockedGrant
	var available int64
	for rows.Next() {
		var id string
		var total, used int64
		if err := rows.Scan(&id, &total, &used); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		remaining := total - used
		if remaining > 0 {
			grants = append(grants, lockedGrant{id: id, remaining: remaining})
			available += remaining
		}
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}

	if available < amount {
		return &DeductionResult{InsufficientBy: amount - available}, ErrInsufficientCredits
	}

	// Debit grants in order until the amount is exhausted. Each update is
	// guarded so it can never push used_credits past total_credits; zero rows
	// affected is the race-loss signal.
	var charges []GrantCharge
	left := amount
	now := time.Now().UTC()
	for _, g := range grants {
		if left == 0 {
			break
		}
		take := g.remaining
		if take > left {
			take = left
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE credit_grants
			SET used_credits = used_credits + $1, updated_at = $2
			WHERE id = $3 AND used_credits + $1 <= total_credits
		`, take, now, g.id)
		if err != nil {
			return nil, fmt.Errorf("failed to debit grant: %w", mapConflict(err))
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check affected rows: %w", err)
		}
		if affected == 0 {
			return nil, ErrConcurrencyConflict
		}

		charges = append(charges, GrantCharge{GrantID: g.id, Amount: take})
		left -= take
	}

	chargedJSON, err := json.Marshal(charges)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deduction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_deductions (idempotency_key, user_id, amount, charged_from, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, idempotencyKey, userID, amount, chargedJSON, now)
	if err != nil {
		// A unique violation here means a concurrent call with the same key
		// committed first; the retry will replay its result.
		if isUniqueViolation(err) {
			return nil, ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("failed to record deduction: %w", mapConflict(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deduction: %w", mapConflict(err))
	}

	return &DeductionResult{ChargedFrom: charges}, nil
}

// ReplaceCurrentFreeGrant rolls the free pool over in one transaction
func (r *PostgresRepository) ReplaceCurrentFreeGrant(ctx context.Context, grant *CreditGrant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Freeze the outgoing grant; its final used_credits is the historical
	// record for the closed period.
	_, err = tx.ExecContext(ctx, `
		UPDATE credit_grants
		SET is_current = false, updated_at = $2
		WHERE user_id = $1 AND credit_type = 'free' AND is_current = true
	`, grant.UserID, grant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to retire current free grant: %w", err)
	}

	if err := insertGrantTx(ctx, tx, grant); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollover: %w", err)
	}
	return nil
}

// InsertGrant appends a grant
func (r *PostgresRepository) InsertGrant(ctx context.Context, grant *CreditGrant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertGrantTx(ctx, tx, grant); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit grant: %w", err)
	}
	return nil
}

// RevokeProGrant flips a pro grant out of the active set
func (r *PostgresRepository) RevokeProGrant(ctx context.Context, grantID string) error {
	var creditType CreditType
	err := r.db.QueryRowContext(ctx,
		`SELECT credit_type FROM credit_grants WHERE id = $1`, grantID,
	).Scan(&creditType)
	if err == sql.ErrNoRows {
		return ErrGrantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load grant: %w", err)
	}
	if creditType != CreditTypePro {
		return ErrNotProGrant
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE credit_grants
		SET is_current = false, updated_at = $2
		WHERE id = $1 AND credit_type = 'pro'
	`, grantID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// GrantHistory returns the user's grants newest-first with the total count
func (r *PostgresRepository) GrantHistory(ctx context.Context, userID string, limit, offset int) ([]CreditGrant, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_grants WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count grants: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM credit_grants
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, grantColumns)

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	grants, err := scanGrants(rows)
	if err != nil {
		return nil, 0, err
	}
	return grants, total, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Helper functions

func insertGrantTx(ctx context.Context, tx *sql.Tx, grant *CreditGrant) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_grants (
			id, user_id, credit_type, total_credits, used_credits,
			billing_period_start, billing_period_end, is_current,
			monthly_allocation, reset_day_of_month, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		grant.ID, grant.UserID, grant.CreditType, grant.TotalCredits, grant.UsedCredits,
		nullTimePtr(grant.BillingPeriodStart), nullTimePtr(grant.BillingPeriodEnd),
		grant.IsCurrent, grant.MonthlyAllocation, grant.ResetDayOfMonth,
		grant.CreatedAt, grant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

func scanGrants(rows *sql.Rows) ([]CreditGrant, error) {
	var grants []CreditGrant
	for rows.Next() {
		var g CreditGrant
		var periodStart, periodEnd sql.NullTime
		var monthlyAllocation sql.NullInt64
		var resetDay sql.NullInt32

		if err := rows.Scan(
			&g.ID, &g.UserID, &g.CreditType, &g.TotalCredits, &g.UsedCredits,
			&periodStart, &periodEnd, &g.IsCurrent,
			&monthlyAllocation, &resetDay, &g.CreatedAt, &g.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}

		if periodStart.Valid {
			t := periodStart.Time
			g.BillingPeriodStart = &t
		}
		if periodEnd.Valid {
			t := periodEnd.Time
			g.BillingPeriodEnd = &t
		}
		g.MonthlyAllocation = monthlyAllocation.Int64
		g.ResetDayOfMonth = int(resetDay.Int32)

		grants = append(grants, g)
	}

	return grants, rows.Err()
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// mapConflict translates serialization failures and deadlocks into
// ErrConcurrencyConflict so the service layer can retry them.
func mapConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConcurrencyConflict
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
