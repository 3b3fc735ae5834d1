package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	"bitbucket.org/mmdatafocus/inventory_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	orderMutexMap = make(map[string]*sync.Mutex)
	globalMutex   = &sync.Mutex{}
)

// RunInventoryWorkflow subscribes to the order service's event stream and
// drives the reservation lifecycle from it: OrderPlaced reserves,
// PaymentConfirmed commits, PaymentFailed releases, ReturnProcessed releases
// or restocks. The same handlers back the HTTP push endpoint.
func RunInventoryWorkflow() error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_ORDERS_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_ORDERS_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	// Create a callback function to handle messages.
	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.PubSubMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "InventoryWorkflow.go", "RunInventoryWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			// The bytes will never parse on redelivery either.
			msg.Ack()
			return
		}

		// Get or create the mutex for the current OrderRef
		globalMutex.Lock()
		mutex, exists := orderMutexMap[m.OrderRef]
		if !exists {
			mutex = &sync.Mutex{}
			orderMutexMap[m.OrderRef] = mutex
		}
		globalMutex.Unlock()

		// Lock the specific order mutex
		mutex.Lock()
		defer mutex.Unlock()

		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetServiceInContext(ctx, "order-consumer")
		if m.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		}
		if err := ProcessMessage(ctx, logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "InventoryWorkflow",
				"event_type": m.EventType,
				"order_ref":  m.OrderRef,
				"event_id":   m.ID,
				"message_id": msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	// Receive messages.
	go func() {
		err := sub.Receive(ctx, callback)

		if err != nil {
			config.LogError(logger, "InventoryWorkflow.go", "RunInventoryWorkflow", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

// ProcessMessage runs one order event through its handler inside a single DB
// transaction: advisory lock on the order_ref, then the idempotency gate, then
// the workflow. A non-nil return means the caller should redeliver; business
// failures that redelivery can never fix are recorded and swallowed so the
// message acks.
func ProcessMessage(ctx context.Context, logger *logrus.Logger, m config.PubSubMessage) error {
	db := config.GetDB()
	handlerName := m.EventType
	messageId := strconv.Itoa(m.ID)

	err := db.Transaction(func(tx *gorm.DB) error {
		// Serialize handlers for the same order across instances.
		if err := workflow.AcquireOrderLock(tx.WithContext(ctx), m.OrderRef); err != nil {
			return err
		}
		defer workflow.ReleaseOrderLock(tx.WithContext(ctx), m.OrderRef)

		skip, err := workflow.BeginIdempotency(tx.WithContext(ctx), m.OrderRef, handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		// IMPORTANT: do not call tx.Commit()/tx.Rollback() inside db.Transaction.
		// Returning error triggers rollback; returning nil commits.
		if err := ProcessWorkflow(ctx, tx.WithContext(ctx), logger, m); err != nil {
			_ = workflow.MarkIdempotencyFailed(tx.WithContext(ctx), m.OrderRef, handlerName, messageId, err)
			return err
		}
		return workflow.MarkIdempotencySucceeded(tx.WithContext(ctx), m.OrderRef, handlerName, messageId)
	})
	if err == nil {
		return nil
	}
	if !workflow.IsPermanentEventError(err) {
		return err
	}

	// The transaction above rolled back, taking any partial stock changes and
	// the FAILED mark with it. Record the terminal failure on its own so ops
	// can see why the order never reserved, then ack.
	recordErr := db.Transaction(func(tx *gorm.DB) error {
		skip, beginErr := workflow.BeginIdempotency(tx.WithContext(ctx), m.OrderRef, handlerName, messageId)
		if beginErr != nil {
			return beginErr
		}
		if skip {
			return nil
		}
		return workflow.MarkIdempotencyFailed(tx.WithContext(ctx), m.OrderRef, handlerName, messageId, err)
	})
	if recordErr != nil {
		config.LogError(logger, "InventoryWorkflow.go", "ProcessMessage", "RecordPermanentFailure", m, recordErr)
	}
	logger.WithFields(logrus.Fields{
		"field":      "InventoryWorkflow",
		"event_type": m.EventType,
		"order_ref":  m.OrderRef,
		"event_id":   m.ID,
	}).Warn("dropping event that can never succeed: " + err.Error())
	return nil
}

// ProcessWorkflow dispatches one order event to its handler. Unknown event
// types ack without effect; the order stream carries more than stock cares
// about.
func ProcessWorkflow(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {
	switch msg.EventType {
	case models.EventTypeOrderPlaced:
		return workflow.ProcessOrderPlacedWorkflow(ctx, tx, logger, msg)
	case models.EventTypePaymentConfirmed:
		return workflow.ProcessPaymentConfirmedWorkflow(ctx, tx, logger, msg)
	case models.EventTypePaymentFailed:
		return workflow.ProcessPaymentFailedWorkflow(ctx, tx, logger, msg)
	case models.EventTypeReturnProcessed:
		return workflow.ProcessReturnProcessedWorkflow(ctx, tx, logger, msg)
	}
	return nil
}
