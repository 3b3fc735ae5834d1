// order-sim publishes synthetic order lifecycle events to the orders topic
// so the consumer path can be exercised end to end without the order
// service. Refused unless GO_ENV is set, same as every integration publish.
//
// Example (reserve then commit):
//
//	GO_ENV=development go run ./cmd/order-sim -event=OrderPlaced \
//	  -order-ref=SIM-001 -lines=DEMO-0001:1:2,DEMO-0002:1:1
//	GO_ENV=development go run ./cmd/order-sim -event=PaymentConfirmed -order-ref=SIM-001
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/workflow"
	"github.com/google/uuid"
)

func main() {
	event := flag.String("event", models.EventTypeOrderPlaced, "OrderPlaced, PaymentConfirmed, PaymentFailed or ReturnProcessed")
	orderRef := flag.String("order-ref", "", "order reference (required)")
	lines := flag.String("lines", "", "OrderPlaced lines as sku:location:qty[,sku:location:qty...]")
	ttl := flag.Int("ttl", 0, "OrderPlaced hold TTL in seconds (0 = server default)")
	topic := flag.String("topic", "", "orders topic (default $PUBSUB_ORDERS_TOPIC)")
	flag.Parse()

	if strings.TrimSpace(*orderRef) == "" {
		fmt.Fprintln(os.Stderr, "-order-ref is required")
		os.Exit(2)
	}

	topicName := strings.TrimSpace(*topic)
	if topicName == "" {
		topicName = strings.TrimSpace(os.Getenv("PUBSUB_ORDERS_TOPIC"))
	}
	if topicName == "" {
		fmt.Fprintln(os.Stderr, "no topic: pass -topic or set PUBSUB_ORDERS_TOPIC")
		os.Exit(2)
	}

	payload := json.RawMessage(`{}`)
	switch *event {
	case models.EventTypeOrderPlaced:
		parsed, err := parseLines(*lines)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -lines: %v\n", err)
			os.Exit(2)
		}
		body, err := json.Marshal(workflow.OrderPlacedPayload{TtlSeconds: *ttl, Lines: parsed})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal payload: %v\n", err)
			os.Exit(1)
		}
		payload = body
	case models.EventTypePaymentConfirmed, models.EventTypePaymentFailed, models.EventTypeReturnProcessed:
		// Payload is empty; these events act on the order_ref alone.
	default:
		fmt.Fprintf(os.Stderr, "unknown -event %q\n", *event)
		os.Exit(2)
	}

	msg := config.PubSubMessage{
		ID:            int(time.Now().Unix()),
		EventType:     *event,
		OrderRef:      strings.TrimSpace(*orderRef),
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
		CorrelationId: uuid.NewString(),
	}

	if err := config.PublishIntegrationEvent(topicName, msg); err != nil {
		fmt.Fprintf(os.Stderr, "publish failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("published %s for %s (message id %d)\n", msg.EventType, msg.OrderRef, msg.ID)
}

func parseLines(raw string) ([]models.NewReservationLine, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("at least one line is required")
	}
	var out []models.NewReservationLine
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%q is not sku:location:qty", part)
		}
		locationId, err := strconv.Atoi(fields[1])
		if err != nil || locationId <= 0 {
			return nil, fmt.Errorf("%q has no usable location id", part)
		}
		qty, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("%q has no usable qty", part)
		}
		out = append(out, models.NewReservationLine{
			Sku:        strings.TrimSpace(fields[0]),
			LocationId: locationId,
			Qty:        qty,
		})
	}
	return out, nil
}
