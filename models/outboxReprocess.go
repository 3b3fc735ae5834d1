package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"gorm.io/gorm"
)

// ReplayOutboxMessage resets one FAILED, DEAD or stuck PROCESSING row so the
// dispatcher picks it up again on its next poll. Attempts restart from zero;
// a replayed row earns a fresh backoff schedule.
func ReplayOutboxMessage(ctx context.Context, recordId int) (*OutboxMessage, error) {
	now := time.Now().UTC()
	db := config.GetDB()

	res := db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("id = ? AND publish_status IN ?", recordId, []string{
			OutboxPublishStatusFailed,
			OutboxPublishStatusDead,
			OutboxPublishStatusProcessing,
		}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}

	var rec OutboxMessage
	if err := db.WithContext(ctx).Where("id = ?", recordId).Take(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReplayDeadOutbox queues every DEAD row for another publish attempt.
// Returns how many rows were revived.
func ReplayDeadOutbox(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	db := config.GetDB()

	res := db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("publish_status = ?", OutboxPublishStatusDead).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
