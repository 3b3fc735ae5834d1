package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
)

type StockSummaryReportResponse struct {
	Sku               string          `json:"sku"`
	LocationId        int             `json:"locationId"`
	LocationName      string          `json:"locationName"`
	TotalQty          int64           `json:"totalQty"`
	ReservedQty       int64           `json:"reservedQty"`
	AvailableQty      int64           `json:"availableQty"`
	LowStockThreshold int64           `json:"lowStockThreshold"`
	IsLow             bool            `json:"isLow"`
	UnitCost          decimal.Decimal `json:"unitCost"`
	StockValue        decimal.Decimal `json:"stockValue"`
	Version           uint64          `json:"version"`
	ExpiresAt         *time.Time      `json:"expiresAt"`
	LastUpdated       time.Time       `json:"lastUpdated"`
}

// GetStockSummaryReport snapshots the ledger per (sku, location), joined with
// the location name and valued at unit cost. lowOnly keeps rows below their
// threshold.
func GetStockSummaryReport(ctx context.Context, locationId *int, lowOnly bool) ([]*StockSummaryReportResponse, error) {

	started := time.Now()
	defer logSlowReport(ctx, "stock_summary", started, map[string]any{
		"locationId": utils.DereferencePtr(locationId), "lowOnly": lowOnly,
	})

	cacheKey := fmt.Sprintf("Report:StockSummary:%d:%t", utils.DereferencePtr(locationId), lowOnly)
	if reportCacheEnabled() {
		var cached []*StockSummaryReportResponse
		if found, err := cacheGet(cacheKey, &cached); err == nil && found {
			return cached, nil
		}
	}

	sqlT := `
SELECT
    sr.sku,
    sr.location_id,
    COALESCE(l.name, '') AS location_name,
    sr.total_qty,
    sr.reserved_qty,
    sr.total_qty - sr.reserved_qty AS available_qty,
    sr.low_stock_threshold,
    (sr.low_stock_threshold > 0 AND sr.total_qty - sr.reserved_qty < sr.low_stock_threshold) AS is_low,
    sr.unit_cost,
    sr.total_qty * sr.unit_cost AS stock_value,
    sr.version,
    sr.expires_at,
    sr.last_updated
FROM stock_records sr
LEFT JOIN locations l ON l.id = sr.location_id
WHERE 1 = 1
  {{- if .locationId }} AND sr.location_id = @locationId {{- end }}
  {{- if .lowOnly }} AND sr.low_stock_threshold > 0 AND sr.total_qty - sr.reserved_qty < sr.low_stock_threshold {{- end }}
ORDER BY sr.sku, sr.location_id;
`

	if locationId != nil && *locationId > 0 {
		if err := utils.ValidateResourceId[models.Location](ctx, *locationId); err != nil {
			return nil, errors.New("location not found")
		}
	}

	sql, err := utils.ExecTemplate(sqlT, map[string]interface{}{
		"locationId": utils.DereferencePtr(locationId),
		"lowOnly":    lowOnly,
	})
	if err != nil {
		return nil, err
	}

	var results []*StockSummaryReportResponse
	db := config.GetDB()
	// Only pass named params whose placeholder survived the template; GORM
	// expands them positionally and the driver rejects extra arguments.
	if locationId != nil && *locationId != 0 {
		err = db.WithContext(ctx).Raw(sql, map[string]interface{}{"locationId": locationId}).Scan(&results).Error
	} else {
		err = db.WithContext(ctx).Raw(sql).Scan(&results).Error
	}
	if err != nil {
		return nil, err
	}

	if reportCacheEnabled() {
		if err := cacheSet(cacheKey, results, reportCacheTTL()); err != nil {
			config.LogError(config.GetLogger(), "reports", "GetStockSummaryReport", "failed to cache report", cacheKey, err)
		}
	}

	return results, nil
}
