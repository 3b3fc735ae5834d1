// run-sweep expires overdue reservation holds once and exits. The server
// runs the same sweep on a timer; this is for environments where the
// background worker is disabled, or for forcing a sweep during an incident.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/workflow"
)

func main() {
	batch := flag.Int("batch", 100, "reservations per sweep transaction")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	sweeper := workflow.NewExpirySweeper(db, config.GetLogger())
	if *batch > 0 {
		sweeper.BatchSize = *batch
	}

	expired, err := sweeper.SweepAll(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed after %d reservations: %v\n", expired, err)
		os.Exit(1)
	}
	fmt.Printf("expired %d reservations\n", expired)
}
