package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
)

// StockMovement is the append-only audit trail. One row per successful
// ApplyStockDelta (and one per provision), never updated, never deleted.
//
// Replaying the deltas for a (sku, location) pair must reproduce the current
// StockRecord quantities; MovementSums exists so tooling can check that.
type StockMovement struct {
	ID               int64             `gorm:"primary_key" json:"id"`
	Sku              string            `gorm:"size:64;not null;index:idx_movement_record,priority:1" json:"sku"`
	LocationId       int               `gorm:"not null;index:idx_movement_record,priority:2" json:"location_id"`
	MovementType     StockMovementType `gorm:"size:20;not null" json:"movement_type"`
	ReservedDelta    int64             `gorm:"not null" json:"reserved_delta"`
	TotalDelta       int64             `gorm:"not null" json:"total_delta"`
	ResultingVersion uint64            `gorm:"not null" json:"resulting_version"`
	ReservationId    string            `gorm:"size:36;index" json:"reservation_id"`
	OrderRef         string            `gorm:"size:100;index" json:"order_ref"`
	PerformedBy      string            `gorm:"size:100" json:"performed_by"`
	CorrelationId    string            `gorm:"size:100" json:"correlation_id"`
	CreatedAt        time.Time         `gorm:"autoCreateTime;index:idx_movement_record,priority:3" json:"created_at"`
}

type StockMovementFilter struct {
	Sku           *string
	LocationId    *int
	MovementType  *StockMovementType
	ReservationId *string
	OrderRef      *string
	Since         *time.Time
	Limit         int
	Offset        int
}

// ListStockMovements returns audit rows newest first.
func ListStockMovements(ctx context.Context, filter StockMovementFilter) ([]*StockMovement, error) {
	db := config.GetDB()
	var results []*StockMovement

	dbCtx := db.WithContext(ctx).Model(&StockMovement{})
	if filter.Sku != nil && len(*filter.Sku) > 0 {
		dbCtx = dbCtx.Where("sku = ?", *filter.Sku)
	}
	if filter.LocationId != nil && *filter.LocationId > 0 {
		dbCtx = dbCtx.Where("location_id = ?", *filter.LocationId)
	}
	if filter.MovementType != nil && len(*filter.MovementType) > 0 {
		dbCtx = dbCtx.Where("movement_type = ?", *filter.MovementType)
	}
	if filter.ReservationId != nil && len(*filter.ReservationId) > 0 {
		dbCtx = dbCtx.Where("reservation_id = ?", *filter.ReservationId)
	}
	if filter.OrderRef != nil && len(*filter.OrderRef) > 0 {
		dbCtx = dbCtx.Where("order_ref = ?", *filter.OrderRef)
	}
	if filter.Since != nil {
		dbCtx = dbCtx.Where("created_at >= ?", *filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = config.SearchLimit
	}

	err := dbCtx.Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// MovementSumResult carries the replayed deltas for one (sku, location) pair.
type MovementSumResult struct {
	Sku         string `json:"sku"`
	LocationId  int    `json:"location_id"`
	ReservedSum int64  `json:"reserved_sum"`
	TotalSum    int64  `json:"total_sum"`
	Movements   int64  `json:"movements"`
}

// MovementSums replays the audit trail for one record. The sums must equal
// the live StockRecord quantities; stock-reconcile compares them.
func MovementSums(ctx context.Context, sku string, locationId int) (*MovementSumResult, error) {
	db := config.GetDB()
	result := MovementSumResult{Sku: sku, LocationId: locationId}
	err := db.WithContext(ctx).Model(&StockMovement{}).
		Select("COALESCE(SUM(reserved_delta), 0) AS reserved_sum, COALESCE(SUM(total_delta), 0) AS total_sum, COUNT(*) AS movements").
		Where("sku = ? AND location_id = ?", sku, locationId).
		Scan(&result).Error
	if err != nil {
		return nil, err
	}
	return &result, nil
}
