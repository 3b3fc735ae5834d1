package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LowStockMonitor periodically scans the ledger and raises LowStockAlert and
// ExpiryAlert events through the outbox. Alerts are advisory; they never gate
// reservations.
type LowStockMonitor struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	Interval       time.Duration
	ExpiryHorizon  time.Duration
	SuppressionTTL time.Duration
	LeaderTTL      time.Duration
}

func NewLowStockMonitor(db *gorm.DB, logger *logrus.Logger) *LowStockMonitor {
	return &LowStockMonitor{
		DB:             db,
		Logger:         logger,
		Interval:       monitorIntervalFromEnv(),
		ExpiryHorizon:  expiryHorizonFromEnv(),
		SuppressionTTL: time.Hour,
		LeaderTTL:      25 * time.Second,
	}
}

// Env: MONITOR_INTERVAL_SECONDS (default 45, clamped 30..60)
func monitorIntervalFromEnv() time.Duration {
	seconds := 45
	if v := os.Getenv("MONITOR_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			seconds = n
		}
	}
	if seconds < 30 {
		seconds = 30
	}
	if seconds > 60 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// Env: EXPIRY_ALERT_HORIZON_HOURS (default 72)
func expiryHorizonFromEnv() time.Duration {
	hours := 72
	if v := os.Getenv("EXPIRY_ALERT_HORIZON_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	return time.Duration(hours) * time.Hour
}

func (m *LowStockMonitor) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.monitorTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.Interval):
		}
	}
}

func (m *LowStockMonitor) monitorTick(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, "monitor:leader", m.LeaderTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return
			}
		} else {
			defer lock.Release(ctx)
		}
	}

	if err := m.ScanOnce(ctx); err != nil {
		config.LogError(m.Logger, "LowStockMonitor.go", "monitorTick", "ScanOnce", nil, err)
	}
}

// LowStockAlertPayload is the body of LowStockAlert events.
type LowStockAlertPayload struct {
	TotalQty          int64 `json:"total_qty"`
	ReservedQty       int64 `json:"reserved_qty"`
	AvailableQty      int64 `json:"available_qty"`
	LowStockThreshold int64 `json:"low_stock_threshold"`
}

// ExpiryAlertPayload is the body of ExpiryAlert events.
type ExpiryAlertPayload struct {
	TotalQty  int64     `json:"total_qty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ScanOnce raises one batch of alerts. Repeat alerts for the same record are
// suppressed in Redis for SuppressionTTL so a record sitting at low stock
// does not alert every tick.
func (m *LowStockMonitor) ScanOnce(ctx context.Context) error {
	db := m.DB
	if db == nil {
		return errors.New("monitor has no db")
	}

	var lowRecords []*models.StockRecord
	err := db.WithContext(ctx).
		Where("low_stock_threshold > 0 AND total_qty - reserved_qty < low_stock_threshold").
		Find(&lowRecords).Error
	if err != nil {
		return err
	}

	horizon := time.Now().UTC().Add(m.ExpiryHorizon)
	var expiringRecords []*models.StockRecord
	err = db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ? AND total_qty > 0", horizon).
		Find(&expiringRecords).Error
	if err != nil {
		return err
	}

	for _, record := range lowRecords {
		suppressKey := fmt.Sprintf("LowStockAlerted:%s:%d", record.Sku, record.LocationId)
		if m.suppressed(suppressKey) {
			continue
		}
		payload := LowStockAlertPayload{
			TotalQty:          record.TotalQty,
			ReservedQty:       record.ReservedQty,
			AvailableQty:      record.AvailableQty(),
			LowStockThreshold: record.LowStockThreshold,
		}
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.EnqueueStockEvent(ctx, tx, models.EventTypeLowStockAlert, "", "", record.Sku, record.LocationId, payload)
		})
		if err != nil {
			config.LogError(m.Logger, "LowStockMonitor.go", "ScanOnce", "EnqueueLowStockAlert", record, err)
			continue
		}
		m.suppress(suppressKey)
	}

	for _, record := range expiringRecords {
		suppressKey := fmt.Sprintf("ExpiryAlerted:%s:%d", record.Sku, record.LocationId)
		if m.suppressed(suppressKey) {
			continue
		}
		payload := ExpiryAlertPayload{
			TotalQty:  record.TotalQty,
			ExpiresAt: *record.ExpiresAt,
		}
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.EnqueueStockEvent(ctx, tx, models.EventTypeExpiryAlert, "", "", record.Sku, record.LocationId, payload)
		})
		if err != nil {
			config.LogError(m.Logger, "LowStockMonitor.go", "ScanOnce", "EnqueueExpiryAlert", record, err)
			continue
		}
		m.suppress(suppressKey)
	}

	return nil
}

func (m *LowStockMonitor) suppressed(key string) bool {
	_, found, err := config.GetRedisValue(key)
	return err == nil && found
}

func (m *LowStockMonitor) suppress(key string) {
	if err := config.SetRedisValue(key, "1", m.SuppressionTTL); err != nil {
		config.LogError(m.Logger, "LowStockMonitor.go", "suppress", "SetRedisValue", key, err)
	}
}
