// stock-reconcile replays the movement audit trail and compares the summed
// deltas against the live ledger quantities. Drift means something wrote
// quantities without going through the versioned stock update and needs
// investigating before it is repaired.
//
// Example:
//
//	go run ./cmd/stock-reconcile                          # whole ledger
//	go run ./cmd/stock-reconcile -sku=DEMO-0001 -location=1
//
// Exits 3 when drift is found so CI and cron wrappers can alert on it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
)

const pageSize = 500

func main() {
	sku := flag.String("sku", "", "reconcile a single sku (requires -location)")
	location := flag.Int("location", 0, "reconcile a single location id")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := context.Background()
	checked := 0
	drifted := 0

	reconcile := func(record *models.StockRecord) {
		sums, err := models.MovementSums(ctx, record.Sku, record.LocationId)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to sum movements for %s@%d: %v\n", record.Sku, record.LocationId, err)
			os.Exit(1)
		}
		checked++
		if sums.TotalSum != record.TotalQty || sums.ReservedSum != record.ReservedQty {
			drifted++
			fmt.Printf("DRIFT %s@%d: ledger total=%d reserved=%d, movements total=%d reserved=%d (%d movements)\n",
				record.Sku, record.LocationId,
				record.TotalQty, record.ReservedQty,
				sums.TotalSum, sums.ReservedSum, sums.Movements)
		}
	}

	single := strings.TrimSpace(*sku)
	if single != "" || *location > 0 {
		if single == "" || *location <= 0 {
			fmt.Fprintln(os.Stderr, "-sku and -location must be used together")
			os.Exit(2)
		}
		record, err := models.GetStockRecord(ctx, single, *location)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load %s@%d: %v\n", single, *location, err)
			os.Exit(1)
		}
		reconcile(record)
	} else {
		offset := 0
		for {
			batch, err := models.ListStockRecords(ctx, models.StockRecordFilter{Limit: pageSize, Offset: offset})
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to list stock records at offset %d: %v\n", offset, err)
				os.Exit(1)
			}
			for _, record := range batch {
				reconcile(record)
			}
			if len(batch) < pageSize {
				break
			}
			offset += len(batch)
		}
	}

	fmt.Printf("checked %d records, %d drifted\n", checked, drifted)
	if drifted > 0 {
		os.Exit(3)
	}
}
