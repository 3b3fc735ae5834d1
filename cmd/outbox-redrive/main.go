// outbox-redrive puts failed outbox rows back in line for publishing. Use
// -id for a single row (FAILED, DEAD or stuck PROCESSING) or -all-dead for
// every DEAD row at once. The dispatcher picks replayed rows up on its next
// tick.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"gorm.io/gorm"
)

func main() {
	id := flag.Int("id", 0, "outbox row id to replay")
	allDead := flag.Bool("all-dead", false, "replay every DEAD row")
	flag.Parse()

	if *id <= 0 && !*allDead {
		fmt.Fprintln(os.Stderr, "pass -id=<row> or -all-dead")
		os.Exit(2)
	}
	if *id > 0 && *allDead {
		fmt.Fprintln(os.Stderr, "-id and -all-dead are mutually exclusive")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := context.Background()

	if *id > 0 {
		msg, err := models.ReplayOutboxMessage(ctx, *id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				fmt.Fprintf(os.Stderr, "no replayable outbox row with id %d\n", *id)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("outbox row %d (%s for %s) queued for publish\n", msg.ID, msg.EventType, msg.OrderRef)
		return
	}

	n, err := models.ReplayDeadOutbox(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d dead outbox rows queued for publish\n", n)
}
