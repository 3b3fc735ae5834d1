package config

import (
	"os"
	"strings"
)

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// ExpirySweepDisabled turns off the background reservation expiry sweep on
// this replica. Use when running the sweep as a separate job (cmd/run-sweep).
//
// Set via env:
// - EXPIRY_SWEEP_DISABLED=true
func ExpirySweepDisabled() bool {
	return envBool("EXPIRY_SWEEP_DISABLED")
}

// LowStockMonitorDisabled turns off the background low-stock / expiring-stock
// scanner on this replica.
//
// Set via env:
// - LOW_STOCK_MONITOR_DISABLED=true
func LowStockMonitorDisabled() bool {
	return envBool("LOW_STOCK_MONITOR_DISABLED")
}

// OutboxDispatcherDisabled turns off the outbox publisher on this replica.
// Rows still accumulate in the outbox table; some other replica (or
// cmd/outbox-redrive) must publish them.
//
// Set via env:
// - OUTBOX_DISPATCHER_DISABLED=true
func OutboxDispatcherDisabled() bool {
	return envBool("OUTBOX_DISPATCHER_DISABLED")
}

// CatalogSyncEnabled turns on the catalog polling worker that provisions
// stock records for new SKUs. Off by default; most deployments provision
// through POST /v1/stocks instead.
//
// Set via env:
// - CATALOG_SYNC_ENABLED=true
func CatalogSyncEnabled() bool {
	return envBool("CATALOG_SYNC_ENABLED")
}

// PullConsumerEnabled turns on the in-process Pub/Sub pull consumer for order
// events. Cloud Run deployments use the push endpoint (POST /pubsub) instead
// and leave this off.
//
// Set via env:
// - PULL_CONSUMER_ENABLED=true
func PullConsumerEnabled() bool {
	return envBool("PULL_CONSUMER_ENABLED")
}
