package workflow

import (
	"context"
	"encoding/json"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OrderPlacedPayload is the body of an order service OrderPlaced event. The
// order service does not know reservation ids, so lines arrive keyed by
// (sku, location) exactly like the REST reserve request.
type OrderPlacedPayload struct {
	TtlSeconds int                         `json:"ttl_seconds"`
	Lines      []models.NewReservationLine `json:"lines"`
}

// ProcessOrderPlacedWorkflow places a hold for the order. Redelivery is
// absorbed twice over: the idempotency key in ProcessMessage and the
// order_ref uniqueness inside ReserveStockTx.
func ProcessOrderPlacedWorkflow(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {

	var payload OrderPlacedPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		config.LogError(logger, "EventHandlers.go", "ProcessOrderPlacedWorkflow", "Unmarshal msg.Payload", string(msg.Payload), err)
		return &MalformedEventError{EventType: msg.EventType, Err: err}
	}

	input := &models.NewReservation{
		OrderRef:   msg.OrderRef,
		TtlSeconds: payload.TtlSeconds,
		Lines:      payload.Lines,
	}
	if err := input.Validate(); err != nil {
		config.LogError(logger, "EventHandlers.go", "ProcessOrderPlacedWorkflow", "Validate", input, err)
		return &MalformedEventError{EventType: msg.EventType, Err: err}
	}

	_, err := ReserveStockTx(ctx, tx, logger, input)
	return err
}

// ProcessPaymentConfirmedWorkflow commits the order's hold. A commit that
// arrives after the sweep expired the hold is final for this message: the
// conflict event is queued for the order service and the message is done.
func ProcessPaymentConfirmedWorkflow(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {

	r, err := models.GetReservationByOrderRefForUpdate(tx, msg.OrderRef)
	if err != nil {
		return err
	}

	_, expiredConflict, err := CommitReservationTx(ctx, tx, logger, r.Id)
	if err != nil {
		return err
	}
	if expiredConflict {
		logger.WithFields(logrus.Fields{
			"field":          "EventHandlers",
			"order_ref":      msg.OrderRef,
			"reservation_id": r.Id,
		}).Warn("payment confirmed after reservation expiry; conflict event queued")
	}
	return nil
}

// ProcessPaymentFailedWorkflow returns the order's hold to availability.
func ProcessPaymentFailedWorkflow(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {

	r, err := models.GetReservationByOrderRefForUpdate(tx, msg.OrderRef)
	if err != nil {
		return err
	}

	_, err = ReleaseReservationTx(ctx, tx, logger, r.Id, "payment failed")
	return err
}

// ProcessReturnProcessedWorkflow handles goods coming back. A hold that never
// shipped is released; a committed order's quantities are restocked. Returns
// cover the whole order, the order service does not send partial lines.
func ProcessReturnProcessedWorkflow(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {

	r, err := models.GetReservationByOrderRefForUpdate(tx, msg.OrderRef)
	if err != nil {
		return err
	}

	if r.State != models.ReservationStateCommitted {
		_, err = ReleaseReservationTx(ctx, tx, logger, r.Id, "return processed")
		return err
	}

	for _, line := range r.Lines {
		if _, err := applyDeltaWithRetry(ctx, tx, line.Sku, line.LocationId, 0, line.Qty, models.StockMovementTypeRestock, r.Id, r.OrderRef); err != nil {
			config.LogError(logger, "EventHandlers.go", "ProcessReturnProcessedWorkflow", "ApplyDelta", line, err)
			return err
		}
	}
	return nil
}
