// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

// Package credits converts vendor cost in USD into internal credit units.
// The exchange rate is configured per subscription tier and injected into the
// metering facade as a pure function.
package credits

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"rephlo/platform/metering/pricing"
)

// DefaultTier is used when a caller's tier has no configured rate
const DefaultTier = "default"

// ErrNoDefaultRate is returned when the table lacks a default tier rate
var ErrNoDefaultRate = errors.New("conversion table has no default tier rate")

// Table maps subscription tiers to credits-per-USD exchange rates
type Table struct {
	// CreditsPerUSD is the number of credit units one USD of vendor cost
	// converts to, per tier.
	CreditsPerUSD map[string]int64 `yaml:"credits_per_usd"`

	mu sync.RWMutex
}

// DefaultTable returns the built-in conversion table: 100 credits per USD of
// vendor cost for every tier.
func DefaultTable() *Table {
	return &Table{
		CreditsPerUSD: map[string]int64{
			DefaultTier: 100,
		},
	}
}

// LoadTableFromFile loads a conversion table from a YAML file, merged over
// the defaults.
func LoadTableFromFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var custom Table
	if err := yaml.Unmarshal(data, &custom); err != nil {
		return nil, fmt.Errorf("failed to parse conversion table: %w", err)
	}

	table := DefaultTable()
	for tier, rate := range custom.CreditsPerUSD {
		table.CreditsPerUSD[tier] = rate
	}

	if _, ok := table.CreditsPerUSD[DefaultTier]; !ok {
		return nil, ErrNoDefaultRate
	}
	return table, nil
}

// USDToCredits converts a micro-dollar vendor cost into credit units for the
// tier, rounding up so a fractional credit is never given away. Unknown tiers
// fall back to the default rate.
func (t *Table) USDToCredits(cost pricing.Micros, tier string) int64 {
	t.mu.RLock()
	rate, ok := t.CreditsPerUSD[tier]
	if !ok {
		rate = t.CreditsPerUSD[DefaultTier]
	}
	t.mu.RUnlock()

	if cost <= 0 || rate <= 0 {
		return 0
	}

	// credits = cost_micros * rate / 1e6, rounded up
	return (int64(cost)*rate + 999999) / 1000000
}

// SetRate sets the credits-per-USD rate for a tier
func (t *Table) SetRate(tier string, creditsPerUSD int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CreditsPerUSD[tier] = creditsPerUSD
}

// ConverterFunc is the pure conversion function injected into the metering
// facade.
type ConverterFunc func(cost pricing.Micros, tier string) int64

// Converter returns the table's conversion function
func (t *Table) Converter() ConverterFunc {
	return t.USDToCredits
}
