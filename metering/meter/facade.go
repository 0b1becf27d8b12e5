// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rephlo/platform/metering/credits"
	"rephlo/platform/metering/ledger"
	"rephlo/platform/metering/pricing"
	"rephlo/platform/shared/logger"
)

// PriceResolver is the slice of the price catalog the facade depends on
type PriceResolver interface {
	ResolvePrice(ctx context.Context, provider, model string, at time.Time) (*pricing.PriceEntry, error)
	ResolveCurrentPrice(ctx context.Context, provider, model string) (*pricing.PriceEntry, error)
}

// Accounts is the slice of the accounting service the facade depends on
type Accounts interface {
	GetBalances(ctx context.Context, userID string) (*ledger.Balances, error)
	HasAvailableCredits(ctx context.Context, userID string, amount int64) (bool, error)
	Deduct(ctx context.Context, userID string, amount int64, idempotencyKey string) (*ledger.DeductionResult, error)
}

// Facade composes the price catalog, cost calculator, and credit ledger into
// the two-phase charge contract: Preflight before dispatch, Finalize after
// the provider reports actual token counts.
type Facade struct {
	prices   PriceResolver
	accounts Accounts
	records  Repository
	convert  credits.ConverterFunc
	log      *logger.Logger
}

// NewFacade creates a new metering facade
func NewFacade(prices PriceResolver, accounts Accounts, records Repository, convert credits.ConverterFunc) *Facade {
	return &Facade{
		prices:   prices,
		accounts: accounts,
		records:  records,
		convert:  convert,
		log:      logger.New("meter"),
	}
}

// Preflight estimates the cost of a request and gate-checks the user's
// balance. Advisory only: nothing is reserved, and the atomic deduction at
// finalize time closes the race this check cannot.
func (f *Facade) Preflight(ctx context.Context, req PreflightRequest) (*PreflightDecision, error) {
	if req.UserID == "" || req.Provider == "" || req.Model == "" {
		return nil, ErrInvalidRequest
	}

	entry, err := f.prices.ResolveCurrentPrice(ctx, req.Provider, req.Model)
	if err != nil {
		if errors.Is(err, pricing.ErrNoPricing) || errors.Is(err, pricing.ErrPriceNotFound) {
			promPricingConfigErrors.Inc()
			f.log.Error(req.UserID, "", "No pricing configured, blocking preflight", map[string]interface{}{
				"provider": req.Provider,
				"model":    req.Model,
			})
			return nil, fmt.Errorf("%w: %s/%s", ErrPricingUnavailable, req.Provider, req.Model)
		}
		return nil, err
	}

	estimate, err := pricing.ComputeCost(pricing.TokenUsage{
		InputTokens:  req.EstimatedInputTokens,
		OutputTokens: req.EstimatedOutputTokens,
	}, entry)
	if err != nil {
		return nil, err
	}

	needed := f.convert(estimate.TotalCost, req.Tier)
	if needed == 0 {
		return &PreflightDecision{Allowed: true}, nil
	}

	ok, err := f.accounts.HasAvailableCredits(ctx, req.UserID, needed)
	if err != nil {
		return nil, err
	}
	if ok {
		return &PreflightDecision{Allowed: true, EstimatedCredits: needed}, nil
	}

	balances, err := f.accounts.GetBalances(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	promPreflightDenials.Inc()
	return &PreflightDecision{
		Allowed:          false,
		Reason:           "insufficient_credits",
		EstimatedCredits: needed,
		AvailableCredits: balances.TotalAvailable,
	}, nil
}

// Finalize prices the actual usage with the catalog as it stood when the
// request started, converts vendor cost to credits, atomically debits the
// ledger with the request ID as idempotency key, and emits the audit record.
// A replayed request ID returns the stored record without a second debit.
// Usage that occurred against a provider is always recorded, even when the
// ledger cannot fully collect for it.
func (f *Facade) Finalize(ctx context.Context, req FinalizeRequest) (*UsageChargeRecord, error) {
	if req.RequestID == "" || req.UserID == "" || req.Provider == "" || req.Model == "" {
		return nil, ErrInvalidRequest
	}

	if existing, err := f.records.GetByRequestID(ctx, req.RequestID); err == nil {
		f.log.Info(req.UserID, req.RequestID, "Finalize replayed idempotently", nil)
		return existing, nil
	} else if !errors.Is(err, ErrChargeNotFound) {
		return nil, err
	}

	startedAt := req.RequestStartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	entry, source, err := f.resolveForCharge(ctx, req, startedAt)
	if err != nil {
		return nil, err
	}

	breakdown, err := pricing.ComputeCost(req.Usage, entry)
	if err != nil {
		return nil, err
	}

	owed := f.convert(breakdown.TotalCost, req.Tier)
	charges, shortfall, err := f.collect(ctx, req, owed)
	if err != nil {
		return nil, err
	}

	record := &UsageChargeRecord{
		RequestID:         req.RequestID,
		UserID:            req.UserID,
		Provider:          req.Provider,
		Model:             req.Model,
		InputTokens:       req.Usage.InputTokens,
		OutputTokens:      req.Usage.OutputTokens,
		CachedInputTokens: req.Usage.CachedInputTokens,
		VendorCostMicros:  breakdown.TotalCost,
		VendorCostUSD:     breakdown.TotalCost.USD(),
		CreditsCharged:    owed - shortfall,
		CreditsShortfall:  shortfall,
		ChargedFrom:       charges,
		PricingSource:     source,
		PriceEntryID:      entry.ID,
		Timestamp:         time.Now().UTC(),
	}

	if err := f.records.Insert(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateCharge) {
			// A concurrent finalize for the same request committed first; the
			// ledger's idempotency key kept the debit single, so its record is
			// the authoritative one.
			return f.records.GetByRequestID(ctx, req.RequestID)
		}
		return nil, err
	}

	promChargesTotal.WithLabelValues(source).Inc()
	promCreditsCharged.Add(float64(record.CreditsCharged))

	f.log.Info(req.UserID, req.RequestID, "Charge finalized", map[string]interface{}{
		"provider":        req.Provider,
		"model":           req.Model,
		"tokens":          req.Usage.TotalTokens(),
		"vendor_cost_usd": record.VendorCostUSD,
		"credits_charged": record.CreditsCharged,
		"pricing_source":  source,
	})

	return record, nil
}

// resolveForCharge applies the historical-pricing policy: price at request
// start time, fall back to current pricing on a gap (flagged for audit), and
// treat total pricing absence as a blocking configuration error.
func (f *Facade) resolveForCharge(ctx context.Context, req FinalizeRequest, startedAt time.Time) (*pricing.PriceEntry, string, error) {
	entry, err := f.prices.ResolvePrice(ctx, req.Provider, req.Model, startedAt)
	if err == nil {
		return entry, PricingSourceHistorical, nil
	}

	if errors.Is(err, pricing.ErrPriceNotFound) {
		entry, ferr := f.prices.ResolveCurrentPrice(ctx, req.Provider, req.Model)
		if ferr == nil {
			promPricingFallbacks.Inc()
			f.log.Warn(req.UserID, req.RequestID, "Pricing gap, falling back to current price", map[string]interface{}{
				"provider":   req.Provider,
				"model":      req.Model,
				"started_at": startedAt,
			})
			return entry, PricingSourceFallbackCurrent, nil
		}
		err = ferr
	}

	if errors.Is(err, pricing.ErrNoPricing) || errors.Is(err, pricing.ErrPriceNotFound) {
		promPricingConfigErrors.Inc()
		f.log.Error(req.UserID, req.RequestID, "No pricing available, charge blocked", map[string]interface{}{
			"provider":   req.Provider,
			"model":      req.Model,
			"started_at": startedAt,
		})
		return nil, "", fmt.Errorf("%w: %s/%s", ErrPricingUnavailable, req.Provider, req.Model)
	}

	return nil, "", err
}

// collect debits the owed credits, falling back to a best-effort partial
// collection when the balance cannot cover the full amount. The remainder is
// reported as a shortfall for billing operations; the usage itself is still
// recorded by the caller.
func (f *Facade) collect(ctx context.Context, req FinalizeRequest, owed int64) ([]ledger.GrantCharge, int64, error) {
	if owed <= 0 {
		return nil, 0, nil
	}

	result, err := f.accounts.Deduct(ctx, req.UserID, owed, req.RequestID)
	if err == nil {
		// An idempotent replay may carry a previously applied partial split;
		// derive the shortfall from what was actually charged.
		if shortfall := owed - chargedSum(result.ChargedFrom); shortfall > 0 {
			return result.ChargedFrom, shortfall, nil
		}
		return result.ChargedFrom, 0, nil
	}
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		// Includes ErrConcurrencyConflict after internal retries: transient,
		// the caller retries Finalize with the same request ID.
		return nil, 0, err
	}

	shortfall := result.InsufficientBy
	var charges []ledger.GrantCharge
	if collectable := owed - shortfall; collectable > 0 {
		partial, perr := f.accounts.Deduct(ctx, req.UserID, collectable, req.RequestID)
		switch {
		case perr == nil:
			charges = partial.ChargedFrom
		case errors.Is(perr, ledger.ErrInsufficientCredits):
			// Balance shrank again between attempts; give up collecting
			shortfall = owed
		default:
			return nil, 0, perr
		}
	}

	promBillingShortfalls.Inc()
	f.log.Error(req.UserID, req.RequestID, "Charge under-collected", map[string]interface{}{
		"credits_owed":      owed,
		"credits_shortfall": shortfall,
	})
	return charges, shortfall, nil
}

func chargedSum(charges []ledger.GrantCharge) int64 {
	var sum int64
	for _, c := range charges {
		sum += c.Amount
	}
	return sum
}

// GetChargeRecord returns the stored record for a request
func (f *Facade) GetChargeRecord(ctx context.Context, requestID string) (*UsageChargeRecord, error) {
	return f.records.GetByRequestID(ctx, requestID)
}

// ListChargeRecords lists charge records for admin reporting
func (f *Facade) ListChargeRecords(ctx context.Context, opts ChargeQueryOptions) ([]UsageChargeRecord, int, error) {
	return f.records.List(ctx, opts)
}
