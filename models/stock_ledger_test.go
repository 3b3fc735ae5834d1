package models_test

import (
	"bytes"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/models/reports"
	"bitbucket.org/mmdatafocus/inventory_backend/workflow"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// The conditional update is the single gate every quantity change passes
// through. Each guard must reject with the right error and leave the row
// untouched.
func TestApplyStockDelta_GuardRails(t *testing.T) {
	ctx := bootInventoryStack(t)

	loc := mustCreateLocation(t, ctx, "Yangon Central", "YGN-01")
	mustProvision(t, ctx, "FISH-1KG", loc.ID, 5)

	db := config.GetDB()
	// Each case gets its own transaction so one rejected delta cannot poison
	// the next.
	run := func(fn func(tx *gorm.DB) error) error {
		return db.WithContext(ctx).Transaction(fn)
	}

	err := run(func(tx *gorm.DB) error {
		_, err := models.ApplyStockDelta(ctx, tx, "FISH-1KG", loc.ID, 1, 0, 99, models.StockMovementTypeReserve, "", "")
		return err
	})
	if !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("stale version: expected ErrVersionConflict; got %v", err)
	}

	err = run(func(tx *gorm.DB) error {
		_, err := models.ApplyStockDelta(ctx, tx, "FISH-1KG", loc.ID, 6, 0, 1, models.StockMovementTypeReserve, "", "")
		return err
	})
	var insErr *models.InsufficientStockError
	if !errors.As(err, &insErr) {
		t.Fatalf("over-reserve: expected InsufficientStockError; got %v", err)
	}
	if l := insErr.Lines[0]; l.Requested != 6 || l.Available != 5 {
		t.Fatalf("over-reserve shortfall: %+v", l)
	}

	// A valid reserve so the remaining guards have something to defend.
	if err := run(func(tx *gorm.DB) error {
		_, err := models.ApplyStockDelta(ctx, tx, "FISH-1KG", loc.ID, 3, 0, 1, models.StockMovementTypeReserve, "", "")
		return err
	}); err != nil {
		t.Fatalf("valid reserve: %v", err)
	}

	// Shrinking total below the reserved quantity can never be allowed, and
	// it is not a version conflict or a shortfall either.
	err = run(func(tx *gorm.DB) error {
		_, err := models.ApplyStockDelta(ctx, tx, "FISH-1KG", loc.ID, 0, -3, 2, models.StockMovementTypeRestock, "", "")
		return err
	})
	if err == nil || errors.Is(err, models.ErrVersionConflict) || errors.As(err, &insErr) {
		t.Fatalf("shrink below reserved: expected invariant rejection; got %v", err)
	}

	// Releasing more than is held would drive reserved negative.
	err = run(func(tx *gorm.DB) error {
		_, err := models.ApplyStockDelta(ctx, tx, "FISH-1KG", loc.ID, -5, 0, 2, models.StockMovementTypeRelease, "", "")
		return err
	})
	if err == nil || errors.Is(err, models.ErrVersionConflict) || errors.As(err, &insErr) {
		t.Fatalf("release below zero: expected invariant rejection; got %v", err)
	}

	err = run(func(tx *gorm.DB) error {
		_, err := models.ApplyStockDelta(ctx, tx, "GHOST-SKU", loc.ID, 1, 0, 1, models.StockMovementTypeReserve, "", "")
		return err
	})
	if !errors.Is(err, models.ErrStockRecordNotFound) {
		t.Fatalf("missing record: expected ErrStockRecordNotFound; got %v", err)
	}

	// The failed attempts left nothing behind.
	record := mustGetRecord(t, ctx, "FISH-1KG", loc.ID)
	if record.TotalQty != 5 || record.ReservedQty != 3 || record.Version != 2 {
		t.Fatalf("guard failures dirtied the row: total=%d reserved=%d version=%d",
			record.TotalQty, record.ReservedQty, record.Version)
	}
	sums, err := models.MovementSums(ctx, "FISH-1KG", loc.ID)
	if err != nil {
		t.Fatalf("MovementSums: %v", err)
	}
	if sums.Movements != 2 {
		t.Fatalf("expected 2 movements (provision, reserve); got %d", sums.Movements)
	}
}

func TestProvisionRestockAndThreshold(t *testing.T) {
	ctx := bootInventoryStack(t)

	loc := mustCreateLocation(t, ctx, "Yangon Central", "YGN-01")
	mustProvision(t, ctx, "OIL-1L", loc.ID, 2)

	if _, err := models.ProvisionStockRecord(ctx, &models.NewStockRecord{
		Sku:        "OIL-1L",
		LocationId: loc.ID,
		InitialQty: 50,
	}); !errors.Is(err, models.ErrDuplicateStockRecord) {
		t.Fatalf("duplicate provision: expected ErrDuplicateStockRecord; got %v", err)
	}

	if _, err := models.SetLowStockThreshold(ctx, "OIL-1L", loc.ID, -1); err == nil {
		t.Fatalf("negative threshold accepted")
	}
	record, err := models.SetLowStockThreshold(ctx, "OIL-1L", loc.ID, 5)
	if err != nil {
		t.Fatalf("SetLowStockThreshold: %v", err)
	}
	if record.LowStockThreshold != 5 {
		t.Fatalf("threshold not stored: %d", record.LowStockThreshold)
	}

	low, err := models.ListStockRecords(ctx, models.StockRecordFilter{LowOnly: true, Limit: 50})
	if err != nil {
		t.Fatalf("ListStockRecords low: %v", err)
	}
	if !containsSku(low, "OIL-1L") {
		t.Fatalf("record with availability 2 below threshold 5 missing from low list")
	}

	if _, err := workflow.RestockStock(ctx, "OIL-1L", loc.ID, 0); err == nil {
		t.Fatalf("zero restock accepted")
	}
	if _, err := workflow.RestockStock(ctx, "GHOST-SKU", loc.ID, 5); !errors.Is(err, models.ErrStockRecordNotFound) {
		t.Fatalf("restock of missing record: expected ErrStockRecordNotFound; got %v", err)
	}

	record, err = workflow.RestockStock(ctx, "OIL-1L", loc.ID, 10)
	if err != nil {
		t.Fatalf("RestockStock: %v", err)
	}
	if record.TotalQty != 12 || record.ReservedQty != 0 {
		t.Fatalf("after restock: total=%d reserved=%d", record.TotalQty, record.ReservedQty)
	}

	low, err = models.ListStockRecords(ctx, models.StockRecordFilter{LowOnly: true, Limit: 50})
	if err != nil {
		t.Fatalf("ListStockRecords low after restock: %v", err)
	}
	if containsSku(low, "OIL-1L") {
		t.Fatalf("restocked record still on low list")
	}

	if _, err := workflow.AdjustStock(ctx, "OIL-1L", loc.ID, 0); err == nil {
		t.Fatalf("zero adjustment accepted")
	}
	record, err = workflow.AdjustStock(ctx, "OIL-1L", loc.ID, -3)
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if record.TotalQty != 9 {
		t.Fatalf("after write-off: total=%d", record.TotalQty)
	}
	var insufficient *models.InsufficientStockError
	if _, err := workflow.AdjustStock(ctx, "OIL-1L", loc.ID, -10); !errors.As(err, &insufficient) {
		t.Fatalf("write-off past available stock: expected InsufficientStockError; got %v", err)
	} else if insufficient.Lines[0].Available != 9 {
		t.Fatalf("write-off refusal reported available=%d; want 9", insufficient.Lines[0].Available)
	}

	sums, err := models.MovementSums(ctx, "OIL-1L", loc.ID)
	if err != nil {
		t.Fatalf("MovementSums: %v", err)
	}
	if sums.Movements != 3 || sums.TotalSum != 9 {
		t.Fatalf("expected provision+restock+adjustment totalling 9; got %+v", sums)
	}
}

func TestStockExport_WritesWorkbook(t *testing.T) {
	ctx := bootInventoryStack(t)

	loc := mustCreateLocation(t, ctx, "Yangon Central", "YGN-01")
	if _, err := models.ProvisionStockRecord(ctx, &models.NewStockRecord{
		Sku:        "RICE-5KG",
		LocationId: loc.ID,
		InitialQty: 10,
		UnitCost:   "4500.50",
	}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	mustProvision(t, ctx, "OIL-1L", loc.ID, 3)

	var buf bytes.Buffer
	if err := reports.WriteStockExport(ctx, &buf, nil, false); err != nil {
		t.Fatalf("WriteStockExport: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("empty workbook")
	}

	wb, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	rows, err := wb.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows; got %d", len(rows))
	}
	if rows[0][0] != "Sku" || rows[0][4] != "AvailableQty" {
		t.Fatalf("unexpected header row: %v", rows[0])
	}
}

func containsSku(records []*models.StockRecord, sku string) bool {
	for _, r := range records {
		if r.Sku == sku {
			return true
		}
	}
	return false
}
