// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for Rephlo platform
components.

# Overview

The logger outputs single-line JSON to stdout, making logs consumable by
CloudWatch, ELK, or any other aggregation system.

Each entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (metering, etc.)
  - Instance ID and container name
  - User ID (billing subject)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("metering")

Log messages with user and request context:

	log.Info("user-123", "req-456", "Charge finalized", map[string]interface{}{
	    "provider": "openai",
	    "model":    "gpt-4o",
	})

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
