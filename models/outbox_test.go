package models_test

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/workflow"
	"gorm.io/gorm"
)

// Outbox rows that exhausted their retries can be put back in line, with the
// ops summary reflecting every move.
func TestOutboxReplayAndStatusSummary(t *testing.T) {
	ctx := bootInventoryStack(t)

	loc := mustCreateLocation(t, ctx, "Yangon Central", "YGN-01")
	mustProvision(t, ctx, "RICE-5KG", loc.ID, 10)
	mustProvision(t, ctx, "OIL-1L", loc.ID, 5)

	db := config.GetDB()
	var rows []models.OutboxMessage
	if err := db.Order("id").Find(&rows).Error; err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 provision events; got %d", len(rows))
	}

	// Simulate a row the dispatcher gave up on.
	now := time.Now().UTC()
	boom := "publish: topic unreachable"
	worker := "dispatcher-1"
	if err := db.Model(&models.OutboxMessage{}).Where("id = ?", rows[0].ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusDead,
			"publish_attempts":   8,
			"last_publish_error": &boom,
			"locked_by":          &worker,
			"locked_at":          &now,
		}).Error; err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	summary, err := models.GetOutboxStatusSummary(ctx)
	if err != nil {
		t.Fatalf("GetOutboxStatusSummary: %v", err)
	}
	counts := map[string]int64{}
	for _, c := range summary.Counts {
		counts[c.PublishStatus] = c.Count
	}
	if counts[models.OutboxPublishStatusDead] != 1 || counts[models.OutboxPublishStatusPending] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if summary.OldestUnsent == nil {
		t.Fatalf("expected oldest unsent timestamp")
	}
	if len(summary.RecentDead) != 1 || summary.RecentDead[0].ID != rows[0].ID {
		t.Fatalf("unexpected recent dead: %+v", summary.RecentDead)
	}

	replayed, err := models.ReplayOutboxMessage(ctx, rows[0].ID)
	if err != nil {
		t.Fatalf("ReplayOutboxMessage: %v", err)
	}
	if replayed.PublishStatus != models.OutboxPublishStatusPending || replayed.PublishAttempts != 0 {
		t.Fatalf("replayed row: status=%s attempts=%d", replayed.PublishStatus, replayed.PublishAttempts)
	}
	if replayed.LastPublishError != nil || replayed.LockedBy != nil {
		t.Fatalf("replay kept failure litter: %+v", replayed)
	}

	// SENT rows are history, not replayable.
	if err := db.Model(&models.OutboxMessage{}).Where("id = ?", rows[1].ID).
		Updates(map[string]interface{}{
			"publish_status": models.OutboxPublishStatusSent,
			"published_at":   &now,
		}).Error; err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := models.ReplayOutboxMessage(ctx, rows[1].ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("replay of SENT row: expected ErrRecordNotFound; got %v", err)
	}

	// Bulk redrive picks up everything DEAD.
	if err := db.Model(&models.OutboxMessage{}).Where("id = ?", rows[0].ID).
		Update("publish_status", models.OutboxPublishStatusDead).Error; err != nil {
		t.Fatalf("re-mark dead: %v", err)
	}
	n, err := models.ReplayDeadOutbox(ctx)
	if err != nil {
		t.Fatalf("ReplayDeadOutbox: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 redriven row; got %d", n)
	}
}

// The durable idempotency key is what makes at-least-once delivery safe:
// SUCCEEDED absorbs repeats, fresh STARTED pushes back, FAILED and stale
// STARTED rows are reclaimed for another attempt.
func TestIdempotencyKey_Lifecycle(t *testing.T) {
	_ = bootInventoryStack(t)
	db := config.GetDB()

	const orderRef = "ORD-7001"
	const handler = "OrderPlaced"

	err := db.Transaction(func(tx *gorm.DB) error {
		skip, err := workflow.BeginIdempotency(tx, orderRef, handler, "m-1")
		if err != nil {
			return err
		}
		if skip {
			t.Fatalf("fresh key asked to skip")
		}
		return workflow.MarkIdempotencySucceeded(tx, orderRef, handler, "m-1")
	})
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}

	// Redelivery of the same message is skipped without touching anything.
	err = db.Transaction(func(tx *gorm.DB) error {
		skip, err := workflow.BeginIdempotency(tx, orderRef, handler, "m-1")
		if err != nil {
			return err
		}
		if !skip {
			t.Fatalf("succeeded key not skipped")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	// A failed attempt leaves a FAILED row that the next delivery reclaims.
	err = db.Transaction(func(tx *gorm.DB) error {
		if _, err := workflow.BeginIdempotency(tx, orderRef, handler, "m-2"); err != nil {
			return err
		}
		return workflow.MarkIdempotencyFailed(tx, orderRef, handler, "m-2", errors.New("boom"))
	})
	if err != nil {
		t.Fatalf("failed attempt: %v", err)
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		skip, err := workflow.BeginIdempotency(tx, orderRef, handler, "m-2")
		if err != nil {
			return err
		}
		if skip {
			t.Fatalf("FAILED key skipped instead of reclaimed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reclaim failed key: %v", err)
	}

	// A fresh STARTED row means another worker is on it: push back.
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := workflow.BeginIdempotency(tx, orderRef, handler, "m-3")
		return err
	})
	if err != nil {
		t.Fatalf("open attempt: %v", err)
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := workflow.BeginIdempotency(tx, orderRef, handler, "m-3")
		return err
	})
	if !errors.Is(err, workflow.ErrIdempotencyInProgress) {
		t.Fatalf("expected ErrIdempotencyInProgress; got %v", err)
	}

	// A stale STARTED row belongs to a dead worker and is reclaimed.
	stale := time.Now().UTC().Add(-10 * time.Minute)
	if err := db.Model(&models.IdempotencyKey{}).
		Where("order_ref = ? AND handler_name = ? AND message_id = ?", orderRef, handler, "m-3").
		UpdateColumn("updated_at", stale).Error; err != nil {
		t.Fatalf("backdate started row: %v", err)
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		skip, err := workflow.BeginIdempotency(tx, orderRef, handler, "m-3")
		if err != nil {
			return err
		}
		if skip {
			t.Fatalf("stale STARTED key skipped instead of reclaimed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reclaim stale key: %v", err)
	}
}
