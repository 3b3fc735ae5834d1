// catalog-sync runs one catalog sync pass and exits. The server runs the
// same sync on a timer when CATALOG_SYNC_ENABLED is set; this one-shot form
// is for initial ledger provisioning and for backfills after catalog-side
// fixes.
//
// Requires CATALOG_API_BASE_URL and CATALOG_API_KEY plus the usual DB_* and
// REDIS_* env.
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/inventory_backend/catalogsync"
	"bitbucket.org/mmdatafocus/inventory_backend/config"
)

func main() {
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	worker := catalogsync.NewWorker(db, config.GetLogger())
	provisioned, updated, err := worker.SyncOnce(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync failed after %d provisioned, %d updated: %v\n", provisioned, updated, err)
		os.Exit(1)
	}
	fmt.Printf("catalog sync done: %d provisioned, %d updated\n", provisioned, updated)
}
