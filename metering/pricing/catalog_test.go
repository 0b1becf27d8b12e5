// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package pricing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// MockPriceRepository implements Repository for testing
type MockPriceRepository struct {
	mu sync.Mutex

	entries      []PriceEntry
	resolveCalls int

	pingErr error
}

func NewMockPriceRepository() *MockPriceRepository {
	return &MockPriceRepository{}
}

func (m *MockPriceRepository) ResolveAt(ctx context.Context, provider, model string, at time.Time) (*PriceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resolveCalls++

	var best *PriceEntry
	for i := range m.entries {
		e := &m.entries[i]
		if e.Provider != provider || e.Model != model || !e.IsActive || !e.Covers(at) {
			continue
		}
		if best == nil || e.EffectiveFrom.After(best.EffectiveFrom) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrPriceNotFound
	}
	copied := *best
	return &copied, nil
}

func (m *MockPriceRepository) HasAny(ctx context.Context, provider, model string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Provider == provider && e.Model == model {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockPriceRepository) ListActive(ctx context.Context, at time.Time) ([]PriceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []PriceEntry
	for _, e := range m.entries {
		if e.IsActive && e.Covers(at) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *MockPriceRepository) Create(ctx context.Context, entry *PriceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Provider == entry.Provider && e.Model == entry.Model && e.IsActive &&
			e.Overlaps(entry.EffectiveFrom, entry.EffectiveUntil) {
			return ErrPriceOverlap
		}
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *MockPriceRepository) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries[i].IsActive = false
			return nil
		}
	}
	return ErrEntryNotFound
}

func (m *MockPriceRepository) Ping(ctx context.Context) error {
	return m.pingErr
}

func newCacheClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestResolvePricePicksCoveringEntry(t *testing.T) {
	repo := NewMockPriceRepository()
	catalog := NewCatalog(repo, nil)
	ctx := context.Background()

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	repo.entries = []PriceEntry{
		{ID: "old", Provider: "openai", Model: "gpt-4o", InputPer1K: 2500, OutputPer1K: 10000, EffectiveFrom: jan, EffectiveUntil: &feb, IsActive: true},
		{ID: "new", Provider: "openai", Model: "gpt-4o", InputPer1K: 3000, OutputPer1K: 15000, EffectiveFrom: feb, IsActive: true},
	}

	entry, err := catalog.ResolvePrice(ctx, "openai", "gpt-4o", jan.AddDate(0, 0, 15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID != "old" {
		t.Errorf("resolved entry = %s, want old", entry.ID)
	}

	entry, err = catalog.ResolvePrice(ctx, "openai", "gpt-4o", feb.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID != "new" {
		t.Errorf("resolved entry = %s, want new", entry.ID)
	}
}

func TestResolvePriceGapVsNoPricing(t *testing.T) {
	repo := NewMockPriceRepository()
	catalog := NewCatalog(repo, nil)
	ctx := context.Background()

	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	repo.entries = []PriceEntry{
		{ID: "new", Provider: "openai", Model: "gpt-4o", InputPer1K: 3000, OutputPer1K: 15000, EffectiveFrom: feb, IsActive: true},
	}

	// Before the first entry: the pair has history, so this is a gap
	_, err := catalog.ResolvePrice(ctx, "openai", "gpt-4o", feb.AddDate(0, -1, 0))
	if !errors.Is(err, ErrPriceNotFound) {
		t.Errorf("err = %v, want ErrPriceNotFound", err)
	}

	// Unknown pair: no entries at all
	_, err = catalog.ResolvePrice(ctx, "anthropic", "claude-sonnet", feb)
	if !errors.Is(err, ErrNoPricing) {
		t.Errorf("err = %v, want ErrNoPricing", err)
	}
}

func TestResolveCurrentPriceServesFromCache(t *testing.T) {
	repo := NewMockPriceRepository()
	catalog := NewCatalog(repo, newCacheClient(t))
	ctx := context.Background()

	repo.entries = []PriceEntry{
		{ID: "cur", Provider: "openai", Model: "gpt-4o", InputPer1K: 3000, OutputPer1K: 15000,
			EffectiveFrom: time.Now().UTC().Add(-time.Hour), IsActive: true},
	}

	for i := 0; i < 3; i++ {
		entry, err := catalog.ResolveCurrentPrice(ctx, "openai", "gpt-4o")
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
		if entry.ID != "cur" {
			t.Errorf("resolved entry = %s, want cur", entry.ID)
		}
	}

	if repo.resolveCalls != 1 {
		t.Errorf("repository hit %d times, want 1 (cache serving repeats)", repo.resolveCalls)
	}
}

func TestResolveCurrentPriceWithoutCache(t *testing.T) {
	repo := NewMockPriceRepository()
	catalog := NewCatalog(repo, nil)
	ctx := context.Background()

	repo.entries = []PriceEntry{
		{ID: "cur", Provider: "openai", Model: "gpt-4o", InputPer1K: 3000, OutputPer1K: 15000,
			EffectiveFrom: time.Now().UTC().Add(-time.Hour), IsActive: true},
	}

	if _, err := catalog.ResolveCurrentPrice(ctx, "openai", "gpt-4o"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := catalog.ResolveCurrentPrice(ctx, "openai", "gpt-4o"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.resolveCalls != 2 {
		t.Errorf("repository hit %d times, want 2 (no cache)", repo.resolveCalls)
	}
}

func TestCreatePriceEntry(t *testing.T) {
	repo := NewMockPriceRepository()
	catalog := NewCatalog(repo, nil)
	ctx := context.Background()

	entry := &PriceEntry{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPer1K:    3000,
		OutputPer1K:   15000,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := catalog.CreatePriceEntry(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID == "" {
		t.Error("entry ID not assigned")
	}
	if !entry.IsActive {
		t.Error("entry not marked active")
	}

	// A second active entry overlapping the open-ended first is rejected
	overlapping := &PriceEntry{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPer1K:    2000,
		OutputPer1K:   10000,
		EffectiveFrom: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := catalog.CreatePriceEntry(ctx, overlapping); !errors.Is(err, ErrPriceOverlap) {
		t.Errorf("err = %v, want ErrPriceOverlap", err)
	}
}

func TestCreatePriceEntryValidates(t *testing.T) {
	repo := NewMockPriceRepository()
	catalog := NewCatalog(repo, nil)

	err := catalog.CreatePriceEntry(context.Background(), &PriceEntry{Model: "gpt-4o"})
	if !errors.Is(err, ErrInvalidProvider) {
		t.Errorf("err = %v, want ErrInvalidProvider", err)
	}
}

func TestCreatePriceEntryInvalidatesCache(t *testing.T) {
	repo := NewMockPriceRepository()
	catalog := NewCatalog(repo, newCacheClient(t))
	ctx := context.Background()

	until := time.Now().UTC().Add(time.Hour)
	repo.entries = []PriceEntry{
		{ID: "cur", Provider: "openai", Model: "gpt-4o", InputPer1K: 3000, OutputPer1K: 15000,
			EffectiveFrom: time.Now().UTC().Add(-time.Hour), EffectiveUntil: &until, IsActive: true},
	}

	// Warm the cache
	if _, err := catalog.ResolveCurrentPrice(ctx, "openai", "gpt-4o"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A new entry taking over after the current one must evict the cached price
	entry := &PriceEntry{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPer1K:    3500,
		OutputPer1K:   16000,
		EffectiveFrom: until,
	}
	if err := catalog.CreatePriceEntry(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := repo.resolveCalls
	if _, err := catalog.ResolveCurrentPrice(ctx, "openai", "gpt-4o"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.resolveCalls != calls+1 {
		t.Error("cache not invalidated after create")
	}
}

func TestDeactivatePriceEntry(t *testing.T) {
	repo := NewMockPriceRepository()
	catalog := NewCatalog(repo, nil)
	ctx := context.Background()

	repo.entries = []PriceEntry{
		{ID: "cur", Provider: "openai", Model: "gpt-4o", InputPer1K: 3000, OutputPer1K: 15000,
			EffectiveFrom: time.Now().UTC().Add(-time.Hour), IsActive: true},
	}

	if err := catalog.DeactivatePriceEntry(ctx, "cur", "openai", "gpt-4o"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := catalog.ResolvePrice(ctx, "openai", "gpt-4o", time.Now().UTC()); !errors.Is(err, ErrPriceNotFound) {
		t.Errorf("err = %v, want ErrPriceNotFound after deactivation", err)
	}

	if err := catalog.DeactivatePriceEntry(ctx, "missing", "openai", "gpt-4o"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestCatalogIsHealthy(t *testing.T) {
	repo := NewMockPriceRepository()
	catalog := NewCatalog(repo, nil)

	if !catalog.IsHealthy(context.Background()) {
		t.Error("IsHealthy = false, want true")
	}

	repo.pingErr = errors.New("connection refused")
	if catalog.IsHealthy(context.Background()) {
		t.Error("IsHealthy = true, want false")
	}
}
