// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

// Package metering wires the pricing catalog, credit ledger, and usage
// metering facade into one HTTP service.
package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"rephlo/platform/metering/credits"
	"rephlo/platform/metering/ledger"
	"rephlo/platform/metering/meter"
	"rephlo/platform/metering/pricing"
)

// Run is the exported entry point for the metering service.
//
// It connects to PostgreSQL and Redis, applies the schema, wires the
// services, sets up HTTP routes, and starts the server. The function blocks
// until the server is shut down.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8083)
//   - DATABASE_URL: PostgreSQL connection string (required)
//   - REDIS_ADDR: Redis address for the price cache (optional)
//   - CREDIT_RATES_FILE: YAML conversion table path (optional)
func Run() {
	log.Println("Starting Rephlo Metering Engine...")

	db := openDatabase()
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := EnsureSchema(ctx, db); err != nil {
		log.Fatalf("Failed to apply database schema: %v", err)
	}
	log.Println("Database schema ready")

	cache := openRedis(ctx)
	if cache != nil {
		defer cache.Close()
	}

	table := loadConversionTable()

	catalog := pricing.NewCatalog(pricing.NewPostgresRepository(db), cache)
	accounts := ledger.NewAccountingService(ledger.NewPostgresRepository(db))
	facade := meter.NewFacade(catalog, accounts, meter.NewPostgresRepository(db), table.Converter())

	handler := NewHandler(accounts, catalog, facade)

	// Setup router
	r := mux.NewRouter()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health check
	r.HandleFunc("/health", healthHandler(catalog, accounts)).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	handler.RegisterRoutes(r)

	// Start server with graceful shutdown on SIGINT/SIGTERM so in-flight
	// charges finalize before the process exits
	port := getEnv("PORT", "8083")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: c.Handler(r),
	}

	go func() {
		log.Printf("Rephlo Metering Engine listening on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
	log.Println("Rephlo Metering Engine stopped")
}

func openDatabase() *sql.DB {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	// The database may still be coming up when the service starts
	for attempt := 1; attempt <= 5; attempt++ {
		if err = db.Ping(); err == nil {
			log.Println("Connected to PostgreSQL")
			return db
		}
		log.Printf("Database not ready (attempt %d/5): %v", attempt, err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	log.Fatalf("Failed to connect to database: %v", err)
	return nil
}

// openRedis connects the price cache. Returns nil when unconfigured or
// unreachable; the catalog works without it.
func openRedis(ctx context.Context) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Println("REDIS_ADDR not set, price caching disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Redis unreachable, price caching disabled: %v", err)
		_ = client.Close()
		return nil
	}

	log.Println("Connected to Redis")
	return client
}

func loadConversionTable() *credits.Table {
	path := os.Getenv("CREDIT_RATES_FILE")
	if path == "" {
		log.Println("CREDIT_RATES_FILE not set, using default conversion rates")
		return credits.DefaultTable()
	}

	table, err := credits.LoadTableFromFile(path)
	if err != nil {
		log.Fatalf("Failed to load conversion table from %s: %v", path, err)
	}
	log.Printf("Loaded conversion table from %s", path)
	return table
}

func healthHandler(catalog *pricing.Catalog, accounts *ledger.AccountingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]bool{
			"pricing_catalog": catalog.IsHealthy(r.Context()),
			"credit_ledger":   accounts.IsHealthy(r.Context()),
		}

		status := "healthy"
		code := http.StatusOK
		for _, ok := range components {
			if !ok {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     status,
			"service":    "rephlo-metering",
			"version":    "1.0.0",
			"timestamp":  time.Now().UTC(),
			"components": components,
		})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
