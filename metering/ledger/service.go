// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rephlo/platform/shared/logger"
)

// deductRetries bounds internal retries when a conditional update loses a
// race. Exhaustion surfaces ErrConcurrencyConflict to the caller, who retries
// with the same idempotency key.
const deductRetries = 3

// AccountingService orchestrates the credit ledger: balance reporting,
// availability gate checks, atomic deductions, billing-period rollover, and
// pro credit purchases.
type AccountingService struct {
	repo Repository
	log  *logger.Logger
}

// NewAccountingService creates a new accounting service
func NewAccountingService(repo Repository) *AccountingService {
	return &AccountingService{
		repo: repo,
		log:  logger.New("ledger"),
	}
}

// GetBalances returns the user's balance view across both pools.
// Free reflects the single current grant; pro aggregates every pro grant ever
// created, with remaining counted over the active (non-revoked) ones only.
func (s *AccountingService) GetBalances(ctx context.Context, userID string) (*Balances, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	grants, err := s.repo.GrantsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}

	balances := computeBalances(grants, time.Now().UTC())
	return balances, nil
}

// computeBalances folds a user's grants into the balance view
func computeBalances(grants []CreditGrant, now time.Time) *Balances {
	var b Balances

	for i := range grants {
		g := &grants[i]
		switch g.CreditType {
		case CreditTypeFree:
			if !g.IsCurrent {
				continue
			}
			b.Free.Remaining = g.Remaining()
			b.Free.Used = g.UsedCredits
			b.Free.MonthlyAllocation = g.MonthlyAllocation
			if g.BillingPeriodEnd != nil {
				end := *g.BillingPeriodEnd
				b.Free.ResetDate = &end
				b.Free.DaysUntilReset = daysUntil(now, end)
			}
		case CreditTypePro:
			b.Pro.PurchasedTotal += g.TotalCredits
			b.Pro.LifetimeUsed += g.UsedCredits
			if g.IsCurrent {
				b.Pro.Remaining += g.Remaining()
			}
		}
	}

	b.TotalAvailable = b.Free.Remaining + b.Pro.Remaining
	return &b
}

// HasAvailableCredits reports whether the combined remaining balance covers
// amount. This is an advisory gate check only; it reserves nothing, and the
// atomic deduction at finalize time is what closes the check-then-act race.
func (s *AccountingService) HasAvailableCredits(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	balances, err := s.GetBalances(ctx, userID)
	if err != nil {
		return false, err
	}
	return amount <= balances.TotalAvailable, nil
}

// Deduct atomically debits amount across the user's pools, free first and
// then pro grants oldest-first. A retried idempotency key returns the
// originally applied result without debiting twice. Transient conflicts are
// retried a bounded number of times before ErrConcurrencyConflict surfaces.
func (s *AccountingService) Deduct(ctx context.Context, userID string, amount int64, idempotencyKey string) (*DeductionResult, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}

	var result *DeductionResult
	var err error
	for attempt := 0; attempt < deductRetries; attempt++ {
		result, err = s.repo.DeductAtomic(ctx, userID, amount, idempotencyKey)
		if !errors.Is(err, ErrConcurrencyConflict) {
			break
		}
		s.log.Warn(userID, idempotencyKey, "Deduction conflict, retrying", map[string]interface{}{
			"attempt": attempt + 1,
			"amount":  amount,
		})
	}
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return result, err
		}
		return nil, err
	}

	if result.AlreadyApplied {
		s.log.Info(userID, idempotencyKey, "Deduction replayed idempotently", nil)
	}
	return result, nil
}

// AllocateNewPeriod rolls the user's free pool over to a new billing period.
// The previous current grant keeps its final counters as the historical
// record; pro grants are untouched.
func (s *AccountingService) AllocateNewPeriod(ctx context.Context, userID string, newTotalCredits int64, periodStart, periodEnd time.Time) (*CreditGrant, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if newTotalCredits < 0 {
		return nil, ErrInvalidAmount
	}
	if periodStart.IsZero() || periodEnd.IsZero() || !periodStart.Before(periodEnd) {
		return nil, ErrInvalidPeriod
	}

	now := time.Now().UTC()
	grant := &CreditGrant{
		ID:                 uuid.NewString(),
		UserID:             userID,
		CreditType:         CreditTypeFree,
		TotalCredits:       newTotalCredits,
		UsedCredits:        0,
		BillingPeriodStart: &periodStart,
		BillingPeriodEnd:   &periodEnd,
		IsCurrent:          true,
		MonthlyAllocation:  newTotalCredits,
		ResetDayOfMonth:    periodStart.Day(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.ReplaceCurrentFreeGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to allocate new period: %w", err)
	}

	s.log.Info(userID, "", "Allocated new billing period", map[string]interface{}{
		"grant_id":     grant.ID,
		"total":        newTotalCredits,
		"period_start": periodStart,
		"period_end":   periodEnd,
	})
	return grant, nil
}

// AddPurchasedCredits appends a new pro grant. The free pool is untouched.
func (s *AccountingService) AddPurchasedCredits(ctx context.Context, userID string, amount int64) (*CreditGrant, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	grant := &CreditGrant{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreditType:   CreditTypePro,
		TotalCredits: amount,
		UsedCredits:  0,
		IsCurrent:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.InsertGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to add purchased credits: %w", err)
	}

	s.log.Info(userID, "", "Purchased credits added", map[string]interface{}{
		"grant_id": grant.ID,
		"amount":   amount,
	})
	return grant, nil
}

// RevokeProGrant removes a pro grant from the active set (admin refund or
// revocation). Its counters stay frozen for history.
func (s *AccountingService) RevokeProGrant(ctx context.Context, userID, grantID string) error {
	if grantID == "" {
		return ErrGrantNotFound
	}

	if err := s.repo.RevokeProGrant(ctx, grantID); err != nil {
		return err
	}

	s.log.Info(userID, "", "Pro grant revoked", map[string]interface{}{
		"grant_id": grantID,
	})
	return nil
}

// GrantHistory returns the user's grants newest-first. Admin read path.
func (s *AccountingService) GrantHistory(ctx context.Context, userID string, limit, offset int) ([]CreditGrant, int, error) {
	if userID == "" {
		return nil, 0, ErrInvalidUserID
	}
	return s.repo.GrantHistory(ctx, userID, limit, offset)
}

// IsHealthy checks if the ledger store is reachable
func (s *AccountingService) IsHealthy(ctx context.Context) bool {
	return s.repo.Ping(ctx) == nil
}
