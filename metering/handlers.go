// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"rephlo/platform/metering/ledger"
	"rephlo/platform/metering/meter"
	"rephlo/platform/metering/pricing"
)

// Handler provides HTTP handlers for the metering APIs
type Handler struct {
	accounts *ledger.AccountingService
	catalog  *pricing.Catalog
	facade   *meter.Facade
}

// NewHandler creates a new metering handler
func NewHandler(accounts *ledger.AccountingService, catalog *pricing.Catalog, facade *meter.Facade) *Handler {
	return &Handler{
		accounts: accounts,
		catalog:  catalog,
		facade:   facade,
	}
}

// RegisterRoutes registers all metering routes with a gorilla/mux router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Credit ledger endpoints
	r.HandleFunc("/api/v1/users/{user_id}/balances", h.GetBalances).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/users/{user_id}/credits/check", h.CheckCredits).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/users/{user_id}/grants", h.GetGrantHistory).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/users/{user_id}/grants/allocate", h.AllocatePeriod).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/users/{user_id}/grants/purchase", h.PurchaseCredits).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/users/{user_id}/grants/{grant_id}", h.RevokeGrant).Methods("DELETE", "OPTIONS")

	// Pricing catalog endpoints
	r.HandleFunc("/api/v1/pricing", h.ListPricing).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/pricing", h.CreatePricing).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/pricing/{id}", h.DeactivatePricing).Methods("DELETE", "OPTIONS")

	// Metering endpoints
	r.HandleFunc("/api/v1/metering/preflight", h.Preflight).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/metering/finalize", h.Finalize).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/metering/charges", h.ListCharges).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/metering/charges/{request_id}", h.GetCharge).Methods("GET", "OPTIONS")
}

// GetBalances handles GET /api/v1/users/{user_id}/balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	userID := mux.Vars(r)["user_id"]

	balances, err := h.accounts.GetBalances(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, balances, nil)
}

// CheckCredits handles GET /api/v1/users/{user_id}/credits/check?amount=N
func (h *Handler) CheckCredits(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	userID := mux.Vars(r)["user_id"]
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		h.writeError(w, "amount must be a positive integer", http.StatusBadRequest)
		return
	}

	ok, err := h.accounts.HasAvailableCredits(r.Context(), userID, amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"amount":    amount,
		"available": ok,
	}, nil)
}

// GetGrantHistory handles GET /api/v1/users/{user_id}/grants
func (h *Handler) GetGrantHistory(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	userID := mux.Vars(r)["user_id"]
	limit, offset := paginationParams(r)

	grants, total, err := h.accounts.GrantHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, grants, &listMeta{Total: total, Limit: limit, Offset: offset})
}

// AllocatePeriodRequest is the request body for a billing-period rollover
type AllocatePeriodRequest struct {
	TotalCredits int64     `json:"total_credits"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
}

// AllocatePeriod handles POST /api/v1/users/{user_id}/grants/allocate
func (h *Handler) AllocatePeriod(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	userID := mux.Vars(r)["user_id"]

	var req AllocatePeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	grant, err := h.accounts.AllocateNewPeriod(r.Context(), userID, req.TotalCredits, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusCreated, grant, nil)
}

// PurchaseCreditsRequest is the request body for adding purchased credits
type PurchaseCreditsRequest struct {
	Amount int64 `json:"amount"`
}

// PurchaseCredits handles POST /api/v1/users/{user_id}/grants/purchase
func (h *Handler) PurchaseCredits(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	userID := mux.Vars(r)["user_id"]

	var req PurchaseCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	grant, err := h.accounts.AddPurchasedCredits(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusCreated, grant, nil)
}

// RevokeGrant handles DELETE /api/v1/users/{user_id}/grants/{grant_id}
func (h *Handler) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	vars := mux.Vars(r)

	if err := h.accounts.RevokeProGrant(r.Context(), vars["user_id"], vars["grant_id"]); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, map[string]string{"grant_id": vars["grant_id"], "state": "revoked"}, nil)
}

// ListPricing handles GET /api/v1/pricing?at=RFC3339
func (h *Handler) ListPricing(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var at time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, "at must be RFC3339", http.StatusBadRequest)
			return
		}
		at = parsed
	}

	entries, err := h.catalog.ListActive(r.Context(), at)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, entries, &listMeta{Total: len(entries)})
}

// CreatePricingRequest is the request body for creating a price entry.
// Prices are taken in USD per 1K tokens and stored as micro-dollars.
type CreatePricingRequest struct {
	Provider           string     `json:"provider"`
	Model              string     `json:"model"`
	InputUSDPer1K      float64    `json:"input_usd_per_1k"`
	OutputUSDPer1K     float64    `json:"output_usd_per_1k"`
	CacheInputUSDPer1K *float64   `json:"cache_input_usd_per_1k,omitempty"`
	CacheHitUSDPer1K   *float64   `json:"cache_hit_usd_per_1k,omitempty"`
	EffectiveFrom      time.Time  `json:"effective_from"`
	EffectiveUntil     *time.Time `json:"effective_until,omitempty"`
}

// CreatePricing handles POST /api/v1/pricing
func (h *Handler) CreatePricing(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req CreatePricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.EffectiveFrom.IsZero() {
		req.EffectiveFrom = time.Now().UTC()
	}

	entry := &pricing.PriceEntry{
		Provider:       req.Provider,
		Model:          req.Model,
		InputPer1K:     pricing.MicrosFromUSD(req.InputUSDPer1K),
		OutputPer1K:    pricing.MicrosFromUSD(req.OutputUSDPer1K),
		EffectiveFrom:  req.EffectiveFrom,
		EffectiveUntil: req.EffectiveUntil,
	}
	if req.CacheInputUSDPer1K != nil {
		m := pricing.MicrosFromUSD(*req.CacheInputUSDPer1K)
		entry.CacheInputPer1K = &m
	}
	if req.CacheHitUSDPer1K != nil {
		m := pricing.MicrosFromUSD(*req.CacheHitUSDPer1K)
		entry.CacheHitPer1K = &m
	}

	if err := h.catalog.CreatePriceEntry(r.Context(), entry); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusCreated, entry, nil)
}

// DeactivatePricing handles DELETE /api/v1/pricing/{id}?provider=&model=
func (h *Handler) DeactivatePricing(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	id := mux.Vars(r)["id"]
	query := r.URL.Query()

	if err := h.catalog.DeactivatePriceEntry(r.Context(), id, query.Get("provider"), query.Get("model")); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, map[string]string{"id": id, "state": "inactive"}, nil)
}

// Preflight handles POST /api/v1/metering/preflight
func (h *Handler) Preflight(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req meter.PreflightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	decision, err := h.facade.Preflight(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, decision, nil)
}

// Finalize handles POST /api/v1/metering/finalize
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req meter.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := h.facade.Finalize(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, record, nil)
}

// ListCharges handles GET /api/v1/metering/charges
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	query := r.URL.Query()
	limit, offset := paginationParams(r)

	opts := meter.ChargeQueryOptions{
		UserID:   query.Get("user_id"),
		Provider: query.Get("provider"),
		Model:    query.Get("model"),
		Limit:    limit,
		Offset:   offset,
	}
	if raw := query.Get("start_time"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			opts.StartTime = t
		}
	}
	if raw := query.Get("end_time"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			opts.EndTime = t
		}
	}

	records, total, err := h.facade.ListChargeRecords(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, records, &listMeta{Total: total, Limit: limit, Offset: offset})
}

// GetCharge handles GET /api/v1/metering/charges/{request_id}
func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	record, err := h.facade.GetChargeRecord(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeData(w, http.StatusOK, record, nil)
}

// Helper functions

type listMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset"`
}

type apiResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Meta   *listMeta   `json:"meta,omitempty"`
}

// setCORSHeaders sets CORS headers on all responses (not just OPTIONS)
func (h *Handler) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func (h *Handler) writeData(w http.ResponseWriter, status int, data interface{}, meta *listMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Status: "success", Data: data, Meta: meta})
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"error":   http.StatusText(status),
		"message": message,
	})
}

// writeServiceError maps domain errors to HTTP statuses
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidPeriod),
		errors.Is(err, ledger.ErrMissingIdempotencyKey),
		errors.Is(err, ledger.ErrNotProGrant),
		errors.Is(err, pricing.ErrInvalidProvider),
		errors.Is(err, pricing.ErrInvalidModel),
		errors.Is(err, pricing.ErrInvalidPrice),
		errors.Is(err, pricing.ErrInvalidEffectiveRange),
		errors.Is(err, meter.ErrInvalidRequest):
		h.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrGrantNotFound),
		errors.Is(err, pricing.ErrEntryNotFound),
		errors.Is(err, meter.ErrChargeNotFound):
		h.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, pricing.ErrPriceOverlap):
		h.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		h.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, meter.ErrPricingUnavailable):
		h.writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func paginationParams(r *http.Request) (limit, offset int) {
	query := r.URL.Query()

	limit = 50 // Default limit
	if raw := query.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if raw := query.Get("offset"); raw != "" {
		offset, _ = strconv.Atoi(raw)
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
