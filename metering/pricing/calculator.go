// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package pricing

// ComputeCost converts token usage plus a resolved price entry into a vendor
// cost breakdown. All arithmetic is integer micro-dollars; per-1K prices are
// multiplied by the token count before the /1000 so truncation loses less
// than one micro-dollar per component.
//
// Cached input cost is computed only when both the cached token count and a
// cache input price are present; otherwise it is zero. Fallback policy for a
// missing price entry belongs to the caller, not here.
func ComputeCost(usage TokenUsage, entry *PriceEntry) (CostBreakdown, error) {
	if entry == nil {
		return CostBreakdown{}, ErrMissingPrice
	}

	breakdown := CostBreakdown{
		InputCost:  per1K(usage.InputTokens, entry.InputPer1K),
		OutputCost: per1K(usage.OutputTokens, entry.OutputPer1K),
	}

	if usage.CachedInputTokens > 0 && entry.CacheInputPer1K != nil {
		breakdown.CachedCost = per1K(usage.CachedInputTokens, *entry.CacheInputPer1K)
	}

	breakdown.TotalCost = breakdown.InputCost + breakdown.OutputCost + breakdown.CachedCost
	return breakdown, nil
}

func per1K(tokens int, pricePer1K Micros) Micros {
	return Micros(int64(tokens) * int64(pricePer1K) / 1000)
}
