package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
)

// OutboxStatusCount is one publish_status bucket of the outbox table.
type OutboxStatusCount struct {
	PublishStatus string `json:"publish_status"`
	Count         int64  `json:"count"`
}

// OutboxStatusSummary is the ops view of outbox health: how much is queued,
// how old the backlog is, and which rows gave up.
type OutboxStatusSummary struct {
	Counts       []OutboxStatusCount `json:"counts"`
	OldestUnsent *time.Time          `json:"oldest_unsent"`
	RecentDead   []OutboxMessage     `json:"recent_dead"`
}

func GetOutboxStatusSummary(ctx context.Context) (*OutboxStatusSummary, error) {
	db := config.GetDB()

	var counts []OutboxStatusCount
	if err := db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Select("publish_status, COUNT(*) AS count").
		Group("publish_status").
		Order("publish_status").
		Scan(&counts).Error; err != nil {
		return nil, err
	}

	// NULL when nothing is waiting.
	var oldest *time.Time
	if err := db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Select("MIN(created_at)").
		Where("publish_status <> ?", OutboxPublishStatusSent).
		Scan(&oldest).Error; err != nil {
		return nil, err
	}

	var dead []OutboxMessage
	if err := db.WithContext(ctx).
		Where("publish_status = ?", OutboxPublishStatusDead).
		Order("id DESC").
		Limit(10).
		Find(&dead).Error; err != nil {
		return nil, err
	}

	return &OutboxStatusSummary{
		Counts:       counts,
		OldestUnsent: oldest,
		RecentDead:   dead,
	}, nil
}
