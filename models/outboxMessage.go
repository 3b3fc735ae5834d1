package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OutboxMessage is one row of the transactional outbox for the stock event
// stream. Rows are written inside the same DB transaction as the ledger
// mutation they describe and published after commit by the outbox dispatcher.
type OutboxMessage struct {
	ID            int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventType     string     `gorm:"size:40;not null;index" json:"event_type"`
	OrderRef      string     `gorm:"size:100;index" json:"order_ref"`
	ReservationId string     `gorm:"size:36;index" json:"reservation_id"`
	Sku           string     `gorm:"size:64;index:idx_outbox_record,priority:1" json:"sku"`
	LocationId    int        `gorm:"index:idx_outbox_record,priority:2" json:"location_id"`
	OccurredAt    time.Time  `gorm:"index;not null" json:"occurred_at"`
	Payload       []byte     `gorm:"type:blob" json:"payload"`
	PublishStatus string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt   *time.Time `gorm:"index" json:"published_at"`
	// Composite index idx_outbox_dispatch: (publish_status, next_attempt_at, id)
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToPubSubMessage(record OutboxMessage) config.PubSubMessage {
	return config.PubSubMessage{
		ID:            record.ID,
		EventType:     record.EventType,
		OrderRef:      record.OrderRef,
		ReservationId: record.ReservationId,
		Sku:           record.Sku,
		LocationId:    record.LocationId,
		OccurredAt:    record.OccurredAt,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}

// EnqueueStockEvent implements the transactional outbox: it writes the event
// row inside the caller's DB transaction but does NOT publish to Pub/Sub.
// Publishing is performed asynchronously by the outbox dispatcher after commit.
// payload may be nil for events whose envelope carries everything.
func EnqueueStockEvent(ctx context.Context, tx *gorm.DB, eventType string, orderRef string, reservationId string, sku string, locationId int, payload interface{}) error {

	var payloadBytes []byte
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	record := OutboxMessage{
		EventType:     eventType,
		OrderRef:      orderRef,
		ReservationId: reservationId,
		Sku:           sku,
		LocationId:    locationId,
		OccurredAt:    time.Now().UTC(),
		Payload:       payloadBytes,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
