package catalogsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const watermarkKey = "CatalogSync:UpdatedSince"

// Worker mirrors the catalog assortment feed into the stock ledger. It
// provisions the ledger row for every (sku, location) pair the catalog lists
// and refreshes the catalog-owned metadata (expiry dates, unit cost) on rows
// that already exist. Quantities are never touched here; those only move
// through reservations and restocks.
type Worker struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	Interval  time.Duration
	PageSize  int
	LeaderTTL time.Duration

	tracer trace.Tracer
}

func NewWorker(db *gorm.DB, logger *logrus.Logger) *Worker {
	interval := 5 * time.Minute
	if v := strings.TrimSpace(os.Getenv("CATALOG_SYNC_INTERVAL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}
	return &Worker{
		DB:        db,
		Logger:    logger,
		Interval:  interval,
		PageSize:  200,
		LeaderTTL: 4 * time.Minute,
		tracer:    otel.Tracer("catalogsync"),
	}
}

func (w *Worker) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.syncTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.Interval):
		}
	}
}

// syncTick runs one leader-gated sync pass. The Redis lock only avoids
// replicas walking the same pages; provisioning is duplicate-key safe, so a
// double sync wastes work without corrupting anything.
func (w *Worker) syncTick(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, "catalogsync:leader", w.LeaderTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return
			}
			// Redis down; sync anyway.
		} else {
			defer lock.Release(ctx)
		}
	}

	if _, _, err := w.SyncOnce(ctx); err != nil {
		config.LogError(w.Logger, "Worker.go", "syncTick", "SyncOnce", nil, err)
	}
}

type catalogItem struct {
	Sku               string      `json:"sku"`
	LocationId        json.Number `json:"location_id"`
	LowStockThreshold json.Number `json:"low_stock_threshold"`
	UnitCost          json.Number `json:"unit_cost"`
	Perishable        bool        `json:"perishable"`
	ExpiresAt         string      `json:"expires_at"`
	UpdatedAt         string      `json:"updated_at"`
}

// SyncOnce walks the catalog feed once and returns how many ledger rows it
// provisioned and how many it refreshed. Bad feed rows are logged and
// skipped; only a failed page fetch aborts the pass so the watermark does
// not advance past unread data.
func (w *Worker) SyncOnce(ctx context.Context) (int, int, error) {
	ctx, span := w.tracer.Start(ctx, "catalogsync.SyncOnce")
	defer span.End()

	ctx = utils.SetUserNameInContext(ctx, "CatalogSync")
	ctx = utils.SetServiceInContext(ctx, "catalog-sync")

	client, err := newCatalogClient()
	if err != nil {
		span.RecordError(err)
		return 0, 0, err
	}

	// Empty watermark means first run; walk the full catalog.
	updatedSince, _, err := config.GetRedisValue(watermarkKey)
	if err != nil {
		updatedSince = ""
	}
	startedAt := time.Now().UTC()

	provisioned := 0
	updated := 0
	skipped := 0
	cursor := ""

	for {
		params := url.Values{}
		if updatedSince != "" {
			params.Set("updated_since", updatedSince)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		params.Set("limit", strconv.Itoa(w.PageSize))

		resp, err := client.getList(ctx, "/v1/assortment/stocks", params)
		if err != nil {
			span.RecordError(err)
			return provisioned, updated, err
		}

		items := resp.Data
		if len(items) == 0 {
			items = resp.Items
		}

		for _, raw := range items {
			var item catalogItem
			if err := json.Unmarshal(raw, &item); err != nil {
				config.LogError(w.Logger, "Worker.go", "SyncOnce", "Unmarshal catalog item", string(raw), err)
				skipped++
				continue
			}
			p, u, err := w.syncItem(ctx, item)
			if err != nil {
				config.LogError(w.Logger, "Worker.go", "SyncOnce", "syncItem", item.Sku, err)
				skipped++
				continue
			}
			provisioned += p
			updated += u
		}

		hasMore := resp.NextCursor != "" && (resp.HasMore == nil || *resp.HasMore)
		if !hasMore {
			break
		}
		cursor = resp.NextCursor
	}

	if err := config.SetRedisValue(watermarkKey, startedAt.Format(time.RFC3339), 0); err != nil {
		config.LogError(w.Logger, "Worker.go", "SyncOnce", "SetRedisValue watermark", nil, err)
	}

	span.SetAttributes(
		attribute.Int("catalogsync.provisioned", provisioned),
		attribute.Int("catalogsync.updated", updated),
		attribute.Int("catalogsync.skipped", skipped),
	)

	if provisioned > 0 || updated > 0 || skipped > 0 {
		w.Logger.WithFields(logrus.Fields{
			"provisioned": provisioned,
			"updated":     updated,
			"skipped":     skipped,
		}).Info("Catalog sync pass finished")
	}
	return provisioned, updated, nil
}

// syncItem reconciles one feed row against the ledger. Returns (1,0) for a
// fresh provision, (0,1) for a metadata refresh, (0,0) when nothing changed.
func (w *Worker) syncItem(ctx context.Context, item catalogItem) (int, int, error) {
	sku := strings.TrimSpace(item.Sku)
	if sku == "" {
		return 0, 0, errors.New("catalog item has no sku")
	}
	locId64, err := item.LocationId.Int64()
	if err != nil || locId64 <= 0 {
		return 0, 0, errors.New("catalog item has no usable location_id")
	}
	locationId := int(locId64)

	expiresAt, err := parseExpiry(item)
	if err != nil {
		return 0, 0, err
	}
	unitCost := parseCost(item.UnitCost)

	record, err := models.GetStockRecord(ctx, sku, locationId)
	if err != nil {
		if !errors.Is(err, models.ErrStockRecordNotFound) {
			return 0, 0, err
		}
		threshold, _ := item.LowStockThreshold.Int64()
		if threshold < 0 {
			threshold = 0
		}
		input := &models.NewStockRecord{
			Sku:               sku,
			LocationId:        locationId,
			InitialQty:        0,
			LowStockThreshold: threshold,
			ExpiresAt:         expiresAt,
		}
		if unitCost != nil {
			input.UnitCost = unitCost.String()
		}
		if _, err := models.ProvisionStockRecord(ctx, input); err != nil {
			// Another replica won the provision race. Fine.
			if errors.Is(err, models.ErrDuplicateStockRecord) {
				return 0, 0, nil
			}
			return 0, 0, err
		}
		return 1, 0, nil
	}

	costChanged := unitCost != nil && !record.UnitCost.Equal(*unitCost)
	expiryChanged := !sameExpiry(record.ExpiresAt, expiresAt)
	if !costChanged && !expiryChanged {
		return 0, 0, nil
	}

	var costArg *decimal.Decimal
	if costChanged {
		costArg = unitCost
	}
	if _, err := models.UpdateStockMetadata(ctx, sku, locationId, costArg, expiresAt); err != nil {
		return 0, 0, err
	}
	return 0, 1, nil
}

// parseExpiry returns the expiry the ledger should carry: the feed date for
// perishables, nil for everything else. An unparseable date on a perishable
// is an error so the row is skipped instead of clearing a stored expiry.
func parseExpiry(item catalogItem) (*time.Time, error) {
	if !item.Perishable {
		return nil, nil
	}
	raw := strings.TrimSpace(item.ExpiresAt)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("unparseable expires_at %q: %w", raw, err)
	}
	t = t.UTC()
	return &t, nil
}

func parseCost(n json.Number) *decimal.Decimal {
	raw := strings.TrimSpace(n.String())
	if raw == "" {
		return nil
	}
	d, err := utils.ParseDecimal(raw)
	if err != nil {
		return nil
	}
	return &d
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
