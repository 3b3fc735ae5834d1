package models

import (
	"log"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Location{},
		&StockRecord{}, &StockMovement{},
		&Reservation{}, &ReservationLine{},
		&OutboxMessage{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
