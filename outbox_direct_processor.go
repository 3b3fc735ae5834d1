package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDirectProcessor drains the outbox without Pub/Sub. This is for
// local/dev environments where no broker is configured: rows are claimed the
// same way the dispatcher claims them, logged so the event stream stays
// visible, and marked SENT.
type OutboxDirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewOutboxDirectProcessor(db *gorm.DB, logger *logrus.Logger) *OutboxDirectProcessor {
	return &OutboxDirectProcessor{
		DB:        db,
		Logger:    logger,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
}

// shouldRunDirectOutboxProcessor defaults to off. Marking rows SENT without a
// broker drops them for every real consumer, so this must be opted into per
// environment with OUTBOX_DIRECT_PROCESSING=true.
func shouldRunDirectOutboxProcessor() bool {
	return strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DIRECT_PROCESSING"))) == "true"
}

func (p *OutboxDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *OutboxDirectProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.OutboxMessage
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &p.WorkerID
			if err := tx.Model(&models.OutboxMessage{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"publish_status": models.OutboxPublishStatusProcessing,
					"locked_at":      claimed[i].LockedAt,
					"locked_by":      claimed[i].LockedBy,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		directID := fmt.Sprintf("%s-%d", p.WorkerID, rec.ID)
		markErr := p.DB.WithContext(ctx).Model(&models.OutboxMessage{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusSent,
				"published_at":       &now,
				"pub_sub_message_id": &directID,
				"locked_at":          nil,
				"locked_by":          nil,
				"next_attempt_at":    nil,
			}).Error
		if markErr != nil {
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":      "OutboxDirectProcessor",
					"event_type": rec.EventType,
					"record_id":  rec.ID,
				}).Error("direct processing failed: " + markErr.Error())
			}
			continue
		}

		if rec.EventType == models.EventTypeStockChanged && rec.Sku != "" {
			models.InvalidateAvailabilityCache(rec.Sku, rec.LocationId)
		}
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":      "OutboxDirectProcessor",
				"event_type": rec.EventType,
				"order_ref":  rec.OrderRef,
				"record_id":  rec.ID,
			}).Info("outbox event consumed directly (no broker)")
		}
	}
}
