package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockRecord is the per-(sku, location) inventory ledger row.
//
// Quantity columns are mutated ONLY through ApplyStockDelta, which performs a
// version-checked conditional UPDATE. Every other writer (REST handlers,
// workers, tooling) goes through that one entry point, so the invariant
// 0 <= reserved_qty <= total_qty holds at the storage level across replicas.
type StockRecord struct {
	ID                int             `gorm:"primary_key" json:"id"`
	Sku               string          `gorm:"size:64;not null;index:uniq_sku_location,unique,priority:1" json:"sku"`
	LocationId        int             `gorm:"not null;index:uniq_sku_location,unique,priority:2" json:"location_id"`
	Location          *Location       `gorm:"foreignKey:LocationId" json:"location,omitempty"`
	TotalQty          int64           `gorm:"not null;default:0" json:"total_qty"`
	ReservedQty       int64           `gorm:"not null;default:0" json:"reserved_qty"`
	Version           uint64          `gorm:"not null;default:0" json:"version"`
	LowStockThreshold int64           `gorm:"not null;default:0" json:"low_stock_threshold"`
	UnitCost          decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"unit_cost"`
	ExpiresAt         *time.Time      `gorm:"index" json:"expires_at"`
	LastUpdated       time.Time       `gorm:"index;not null" json:"last_updated"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// AvailableQty is derived and never negative (guarded by ApplyStockDelta).
func (r StockRecord) AvailableQty() int64 {
	return r.TotalQty - r.ReservedQty
}

type NewStockRecord struct {
	Sku               string     `json:"sku" binding:"required"`
	LocationId        int        `json:"location_id" binding:"required"`
	InitialQty        int64      `json:"initial_qty"`
	LowStockThreshold int64      `json:"low_stock_threshold"`
	UnitCost          string     `json:"unit_cost"`
	ExpiresAt         *time.Time `json:"expires_at"`
}

// validate input for create. StockRecords are never deleted, so there is no
// update path here; quantity changes go through the ledger.
func (input *NewStockRecord) validate(ctx context.Context) error {
	if strings.TrimSpace(input.Sku) == "" {
		return errors.New("sku is required")
	}
	if input.InitialQty < 0 {
		return errors.New("initial_qty cannot be negative")
	}
	if input.LowStockThreshold < 0 {
		return errors.New("low_stock_threshold cannot be negative")
	}
	if err := utils.ValidateResourceId[Location](ctx, input.LocationId); err != nil {
		return ErrLocationNotFound
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// ProvisionStockRecord creates the ledger row for a new (sku, location) pair.
// The initial quantity is recorded as a PROVISION movement and announced with
// a StockChanged event in the same transaction.
func ProvisionStockRecord(ctx context.Context, input *NewStockRecord) (*StockRecord, error) {

	logger := config.GetLogger()

	// <custom>
	input.Sku = strings.TrimSpace(input.Sku)

	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	unitCost := decimal.Zero
	if strings.TrimSpace(input.UnitCost) != "" {
		var err error
		unitCost, err = utils.ParseDecimal(input.UnitCost)
		if err != nil {
			return nil, errors.New("invalid unit_cost")
		}
	}

	record := StockRecord{
		Sku:               input.Sku,
		LocationId:        input.LocationId,
		TotalQty:          input.InitialQty,
		ReservedQty:       0,
		Version:           1,
		LowStockThreshold: input.LowStockThreshold,
		UnitCost:          unitCost,
		ExpiresAt:         input.ExpiresAt,
		LastUpdated:       time.Now().UTC(),
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateStockRecord
			}
			return err
		}
		movement := StockMovement{
			Sku:              record.Sku,
			LocationId:       record.LocationId,
			MovementType:     StockMovementTypeProvision,
			ReservedDelta:    0,
			TotalDelta:       input.InitialQty,
			ResultingVersion: record.Version,
			PerformedBy:      performedByFromContext(ctx),
			CorrelationId:    correlationIdFromContextOrNew(ctx),
		}
		if err := tx.Create(&movement).Error; err != nil {
			return err
		}
		return EnqueueStockEvent(ctx, tx, EventTypeStockChanged, "", "", record.Sku, record.LocationId, stockChangedPayload(&record))
	})
	if err != nil {
		if !errors.Is(err, ErrDuplicateStockRecord) {
			config.LogError(logger, "stockRecord", "ProvisionStockRecord", "failed to provision", input, err)
		}
		return nil, err
	}

	return &record, nil
}

// GetStockRecord reads the current ledger row. Always served from the DB;
// only the derived availability value is cached (see GetAvailableQty).
func GetStockRecord(ctx context.Context, sku string, locationId int) (*StockRecord, error) {
	db := config.GetDB()
	var record StockRecord
	err := db.WithContext(ctx).
		Where("sku = ? AND location_id = ?", sku, locationId).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStockRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetStockRecordTx is GetStockRecord inside an open transaction. Under READ
// COMMITTED each call observes the latest committed row, which is what the
// conflict-retry loops rely on.
func GetStockRecordTx(tx *gorm.DB, sku string, locationId int) (*StockRecord, error) {
	var record StockRecord
	err := tx.Where("sku = ? AND location_id = ?", sku, locationId).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStockRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ApplyStockDelta is the sole quantity mutation for stock records.
//
// It issues one conditional UPDATE that simultaneously checks the expected
// version (optimistic concurrency) and the quantity invariants. RowsAffected
// tells the truth about what happened:
//   - the row moved: version += 1, movement row + StockChanged outbox row are
//     written in the same transaction, the fresh record is returned;
//   - the row exists at a different version: ErrVersionConflict (caller
//     re-reads and retries);
//   - the row exists at the expected version but an invariant would break:
//     InsufficientStockError for reserve paths, a logged internal error for
//     everything else;
//   - no row: ErrStockRecordNotFound.
func ApplyStockDelta(ctx context.Context, tx *gorm.DB, sku string, locationId int, reservedDelta int64, totalDelta int64, expectedVersion uint64, movementType StockMovementType, reservationId string, orderRef string) (*StockRecord, error) {

	logger := config.GetLogger()
	now := time.Now().UTC()

	res := tx.Exec(
		"UPDATE stock_records SET reserved_qty = reserved_qty + ?, total_qty = total_qty + ?, version = version + 1, last_updated = ? "+
			"WHERE sku = ? AND location_id = ? AND version = ? "+
			"AND reserved_qty + ? >= 0 AND total_qty + ? >= 0 AND reserved_qty + ? <= total_qty + ?",
		reservedDelta, totalDelta, now,
		sku, locationId, expectedVersion,
		reservedDelta, totalDelta, reservedDelta, totalDelta,
	)
	if res.Error != nil {
		config.LogError(logger, "stockRecord", "ApplyStockDelta", "conditional update failed", map[string]interface{}{
			"sku": sku, "location_id": locationId, "reserved_delta": reservedDelta, "total_delta": totalDelta,
		}, res.Error)
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		current, err := GetStockRecordTx(tx, sku, locationId)
		if err != nil {
			return nil, err
		}
		if current.Version != expectedVersion {
			return nil, ErrVersionConflict
		}
		if reservedDelta > 0 {
			return nil, &InsufficientStockError{Lines: []InsufficientLine{{
				Sku:        sku,
				LocationId: locationId,
				Requested:  reservedDelta,
				Available:  current.AvailableQty(),
			}}}
		}
		// Version matched but a guard rejected the delta; the caller asked for
		// something the ledger can never do (e.g. release below zero).
		err = fmt.Errorf("stock delta (%d reserved, %d total) violates invariants for %s@%d", reservedDelta, totalDelta, sku, locationId)
		config.LogError(logger, "stockRecord", "ApplyStockDelta", "invariant guard rejected delta", current, err)
		return nil, err
	}

	updated, err := GetStockRecordTx(tx, sku, locationId)
	if err != nil {
		return nil, err
	}

	movement := StockMovement{
		Sku:              sku,
		LocationId:       locationId,
		MovementType:     movementType,
		ReservedDelta:    reservedDelta,
		TotalDelta:       totalDelta,
		ResultingVersion: updated.Version,
		ReservationId:    reservationId,
		OrderRef:         orderRef,
		PerformedBy:      performedByFromContext(ctx),
		CorrelationId:    correlationIdFromContextOrNew(ctx),
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, err
	}

	if err := EnqueueStockEvent(ctx, tx, EventTypeStockChanged, orderRef, reservationId, sku, locationId, stockChangedPayload(updated)); err != nil {
		return nil, err
	}

	return updated, nil
}

// StockChangedPayload is the body of every StockChanged event.
type StockChangedPayload struct {
	TotalQty     int64  `json:"total_qty"`
	ReservedQty  int64  `json:"reserved_qty"`
	AvailableQty int64  `json:"available_qty"`
	Version      uint64 `json:"version"`
}

func stockChangedPayload(r *StockRecord) StockChangedPayload {
	return StockChangedPayload{
		TotalQty:     r.TotalQty,
		ReservedQty:  r.ReservedQty,
		AvailableQty: r.AvailableQty(),
		Version:      r.Version,
	}
}

// SetLowStockThreshold changes the alerting threshold. Thresholds are not
// quantities, so this does not go through the ledger CAS.
func SetLowStockThreshold(ctx context.Context, sku string, locationId int, threshold int64) (*StockRecord, error) {
	if threshold < 0 {
		return nil, errors.New("low_stock_threshold cannot be negative")
	}

	record, err := GetStockRecord(ctx, sku, locationId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&record).
		UpdateColumn("low_stock_threshold", threshold).Error; err != nil {
		return nil, err
	}
	record.LowStockThreshold = threshold
	return record, nil
}

// UpdateStockMetadata refreshes the catalog-owned columns. The catalog feed
// is authoritative for expiry, so expires_at is always written (nil clears
// it); unit_cost only when the caller has a value. Metadata is not a
// quantity, so this does not go through the ledger CAS.
func UpdateStockMetadata(ctx context.Context, sku string, locationId int, unitCost *decimal.Decimal, expiresAt *time.Time) (*StockRecord, error) {
	record, err := GetStockRecord(ctx, sku, locationId)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"expires_at": expiresAt}
	if unitCost != nil {
		updates["unit_cost"] = *unitCost
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&record).
		UpdateColumns(updates).Error; err != nil {
		return nil, err
	}
	record.ExpiresAt = expiresAt
	if unitCost != nil {
		record.UnitCost = *unitCost
	}
	return record, nil
}

type StockRecordFilter struct {
	Sku        *string
	LocationId *int
	LowOnly    bool
	Limit      int
	Offset     int
}

func ListStockRecords(ctx context.Context, filter StockRecordFilter) ([]*StockRecord, error) {
	db := config.GetDB()
	var results []*StockRecord

	dbCtx := db.WithContext(ctx).Model(&StockRecord{})
	if filter.Sku != nil && len(*filter.Sku) > 0 {
		dbCtx = dbCtx.Where("sku LIKE ?", "%"+*filter.Sku+"%")
	}
	if filter.LocationId != nil && *filter.LocationId > 0 {
		dbCtx = dbCtx.Where("location_id = ?", *filter.LocationId)
	}
	if filter.LowOnly {
		dbCtx = dbCtx.Where("low_stock_threshold > 0 AND total_qty - reserved_qty < low_stock_threshold")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = config.SearchLimit
	}

	err := dbCtx.Order("sku, location_id").Limit(limit).Offset(filter.Offset).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

/* availability cache */

// The availability hot path is cached for at most one second; the outbox
// dispatcher also invalidates entries when it publishes StockChanged.
const availabilityCacheTTL = time.Second

// StockAvailability is the lightweight answer for availability queries.
type StockAvailability struct {
	Sku          string `json:"sku"`
	LocationId   int    `json:"location_id"`
	AvailableQty int64  `json:"available_qty"`
}

func availabilityCacheKey(sku string, locationId int) string {
	return fmt.Sprintf("Available:%s:%d", sku, locationId)
}

// GetAvailableQty answers "how many can I sell right now" through the cache.
func GetAvailableQty(ctx context.Context, sku string, locationId int) (*StockAvailability, error) {

	var cached StockAvailability
	found, err := config.GetRedisObject(availabilityCacheKey(sku, locationId), &cached)
	if err == nil && found {
		return &cached, nil
	}

	record, err := GetStockRecord(ctx, sku, locationId)
	if err != nil {
		return nil, err
	}

	result := StockAvailability{
		Sku:          record.Sku,
		LocationId:   record.LocationId,
		AvailableQty: record.AvailableQty(),
	}
	if cerr := config.SetRedisObject(availabilityCacheKey(sku, locationId), &result, availabilityCacheTTL); cerr != nil {
		config.LogError(config.GetLogger(), "stockRecord", "GetAvailableQty", "failed to cache availability", result, cerr)
	}
	return &result, nil
}

// StockKey identifies one (sku, location) pair in batch queries.
type StockKey struct {
	Sku        string `json:"sku" binding:"required"`
	LocationId int    `json:"location_id" binding:"required"`
}

// GetAvailableBatch resolves many (sku, location) pairs in one DB round trip.
// Pairs without a ledger row are omitted from the result.
func GetAvailableBatch(ctx context.Context, keys []StockKey) ([]*StockAvailability, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one line is required")
	}

	pairs := make([][]interface{}, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, []interface{}{k.Sku, k.LocationId})
	}

	db := config.GetDB()
	var records []*StockRecord
	err := db.WithContext(ctx).
		Where("(sku, location_id) IN ?", pairs).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	results := make([]*StockAvailability, 0, len(records))
	for _, record := range records {
		result := &StockAvailability{
			Sku:          record.Sku,
			LocationId:   record.LocationId,
			AvailableQty: record.AvailableQty(),
		}
		if cerr := config.SetRedisObject(availabilityCacheKey(record.Sku, record.LocationId), result, availabilityCacheTTL); cerr != nil {
			config.LogError(config.GetLogger(), "stockRecord", "GetAvailableBatch", "failed to cache availability", result, cerr)
		}
		results = append(results, result)
	}
	return results, nil
}

// InvalidateAvailabilityCache drops the cached availability for one record.
// Called by the outbox dispatcher when a StockChanged event is published and
// by write paths after commit.
func InvalidateAvailabilityCache(sku string, locationId int) {
	if err := config.RemoveRedisKey(availabilityCacheKey(sku, locationId)); err != nil {
		config.LogError(config.GetLogger(), "stockRecord", "InvalidateAvailabilityCache", "failed to invalidate", availabilityCacheKey(sku, locationId), err)
	}
}

func performedByFromContext(ctx context.Context) string {
	if ctx == nil {
		return "System"
	}
	if v, ok := utils.GetUserNameFromContext(ctx); ok && v != "" {
		return v
	}
	if v, ok := utils.GetServiceFromContext(ctx); ok && v != "" {
		return v
	}
	return "System"
}
