// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"rephlo/platform/shared/logger"
)

// currentPriceTTL bounds staleness of the preflight hot path. Historical
// lookups always go to the repository.
const currentPriceTTL = 30 * time.Second

// Catalog provides point-in-time price resolution backed by the repository,
// with a short-lived Redis cache for current-price lookups on the preflight
// hot path. A nil redis client disables caching.
type Catalog struct {
	repo  Repository
	cache *redis.Client
	log   *logger.Logger
}

// NewCatalog creates a new price catalog
func NewCatalog(repo Repository, cache *redis.Client) *Catalog {
	return &Catalog{
		repo:  repo,
		cache: cache,
		log:   logger.New("pricing"),
	}
}

// ResolvePrice returns the entry valid at the given instant. Returns
// ErrPriceNotFound when no entry covers the instant but the pair has pricing
// history, and ErrNoPricing when the pair has no entries at all.
func (c *Catalog) ResolvePrice(ctx context.Context, provider, model string, at time.Time) (*PriceEntry, error) {
	entry, err := c.repo.ResolveAt(ctx, provider, model, at)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrPriceNotFound) {
		return nil, err
	}

	hasAny, herr := c.repo.HasAny(ctx, provider, model)
	if herr != nil {
		return nil, herr
	}
	if !hasAny {
		return nil, ErrNoPricing
	}
	return nil, ErrPriceNotFound
}

// ResolveCurrentPrice returns the entry valid now, serving from the cache
// when possible.
func (c *Catalog) ResolveCurrentPrice(ctx context.Context, provider, model string) (*PriceEntry, error) {
	key := fmt.Sprintf("pricing:current:%s:%s", provider, model)

	if c.cache != nil {
		if data, err := c.cache.Get(ctx, key).Result(); err == nil {
			var entry PriceEntry
			if jerr := json.Unmarshal([]byte(data), &entry); jerr == nil {
				return &entry, nil
			}
			// Malformed cache payload falls through to the repository
		}
	}

	entry, err := c.ResolvePrice(ctx, provider, model, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if data, jerr := json.Marshal(entry); jerr == nil {
			if serr := c.cache.Set(ctx, key, data, currentPriceTTL).Err(); serr != nil {
				c.log.Warn("", "", "Failed to cache current price", map[string]interface{}{
					"provider": provider,
					"model":    model,
					"error":    serr.Error(),
				})
			}
		}
	}

	return entry, nil
}

// ListActive returns all active entries covering the instant. Admin and
// reporting surface; not performance-critical.
func (c *Catalog) ListActive(ctx context.Context, at time.Time) ([]PriceEntry, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return c.repo.ListActive(ctx, at)
}

// CreatePriceEntry validates and persists a new entry. The repository
// enforces the non-overlap invariant for active entries.
func (c *Catalog) CreatePriceEntry(ctx context.Context, entry *PriceEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.IsActive = true
	entry.CreatedAt = time.Now().UTC()

	if err := c.repo.Create(ctx, entry); err != nil {
		return err
	}

	c.invalidateCurrent(ctx, entry.Provider, entry.Model)

	c.log.Info("", "", "Price entry created", map[string]interface{}{
		"entry_id":       entry.ID,
		"provider":       entry.Provider,
		"model":          entry.Model,
		"effective_from": entry.EffectiveFrom,
	})
	return nil
}

// DeactivatePriceEntry marks an entry inactive
func (c *Catalog) DeactivatePriceEntry(ctx context.Context, id, provider, model string) error {
	if err := c.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	c.invalidateCurrent(ctx, provider, model)
	return nil
}

// IsHealthy checks repository connectivity
func (c *Catalog) IsHealthy(ctx context.Context) bool {
	return c.repo.Ping(ctx) == nil
}

func (c *Catalog) invalidateCurrent(ctx context.Context, provider, model string) {
	if c.cache == nil {
		return
	}
	key := fmt.Sprintf("pricing:current:%s:%s", provider, model)
	if err := c.cache.Del(ctx, key).Err(); err != nil {
		c.log.Warn("", "", "Failed to invalidate price cache", map[string]interface{}{
			"provider": provider,
			"model":    model,
			"error":    err.Error(),
		})
	}
}
