// seed-dev-stock provisions demo locations and stock records for local
// development.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//     go run ./cmd/seed-dev-stock -skus=20 -qty=100
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	"gorm.io/gorm"
)

var demoLocations = []models.NewLocation{
	{Name: "Yangon Central Fulfillment", Code: "YGN-01", City: "Yangon"},
	{Name: "Mandalay Dark Store", Code: "MDY-01", City: "Mandalay"},
}

func main() {
	skus := flag.Int("skus", 10, "number of demo SKUs per location")
	qty := flag.Int64("qty", 100, "initial quantity per record")
	prefix := flag.String("prefix", "DEMO", "sku prefix")
	threshold := flag.Int64("threshold", 10, "low stock threshold per record")
	flag.Parse()

	if *skus <= 0 || *qty < 0 {
		fmt.Fprintln(os.Stderr, "-skus must be positive and -qty non-negative")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetServiceInContext(ctx, "seed-dev-stock")
	ctx = utils.SetIsAdminInContext(ctx, true)

	locationIds := make([]int, 0, len(demoLocations))
	for i := range demoLocations {
		input := demoLocations[i]
		var existing models.Location
		err := db.WithContext(ctx).Where("code = ?", input.Code).First(&existing).Error
		if err == nil {
			locationIds = append(locationIds, existing.ID)
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			fmt.Fprintf(os.Stderr, "failed to lookup location %s: %v\n", input.Code, err)
			os.Exit(1)
		}
		loc, err := models.CreateLocation(ctx, &input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create location %s: %v\n", input.Code, err)
			os.Exit(1)
		}
		fmt.Printf("created location %s (id=%d)\n", loc.Code, loc.ID)
		locationIds = append(locationIds, loc.ID)
	}

	provisioned := 0
	skipped := 0
	for _, locationId := range locationIds {
		for n := 1; n <= *skus; n++ {
			sku := fmt.Sprintf("%s-%04d", *prefix, n)
			_, err := models.ProvisionStockRecord(ctx, &models.NewStockRecord{
				Sku:               sku,
				LocationId:        locationId,
				InitialQty:        *qty,
				LowStockThreshold: *threshold,
			})
			if err != nil {
				if errors.Is(err, models.ErrDuplicateStockRecord) {
					skipped++
					continue
				}
				fmt.Fprintf(os.Stderr, "failed to provision %s@%d: %v\n", sku, locationId, err)
				os.Exit(1)
			}
			provisioned++
		}
	}

	fmt.Printf("done: %d records provisioned, %d already existed\n", provisioned, skipped)
}
