// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Rephlo Metering Engine.
//
// The Metering Engine is the credit accounting service that:
// - Maintains the time-versioned vendor price catalog
// - Computes vendor cost for LLM token usage in integer micro-dollars
// - Tracks free and purchased credit grants per user
// - Gate-checks requests before dispatch and charges them after completion
//
// Usage:
//
//	./metering
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8083)
//	DATABASE_URL - PostgreSQL connection string (required)
//	REDIS_ADDR - Redis address for the price cache (optional)
//	CREDIT_RATES_FILE - YAML credits-per-USD conversion table (optional)
package main

import (
	"rephlo/platform/metering"
)

func main() {
	metering.Run()
}
