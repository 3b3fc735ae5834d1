package workflow

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/inventory_backend/models"
)

// NOTE: These tests are intentionally DB-free. They validate the consumer
// contract the push handler relies on:
// - at-least-once delivery is safe via durable idempotency
// - per-order serialization prevents racey interleavings inside handlers
// - permanent failures are acked, transient ones redelivered
//
// Full DB+PubSub integration lives in the models package tests.

type fakeConsumer struct {
	muByOrder map[string]*sync.Mutex
	mu        sync.Mutex
	seen      map[string]bool
	calls     int
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		muByOrder: map[string]*sync.Mutex{},
		seen:      map[string]bool{},
	}
}

func (c *fakeConsumer) process(orderRef, handlerName, messageID string, fn func()) {
	// Serialize per order (workflow AcquireOrderLock).
	c.mu.Lock()
	om := c.muByOrder[orderRef]
	if om == nil {
		om = &sync.Mutex{}
		c.muByOrder[orderRef] = om
	}
	c.mu.Unlock()

	om.Lock()
	defer om.Unlock()

	// Deduplicate (models IdempotencyKey).
	key := orderRef + "|" + handlerName + "|" + messageID
	c.mu.Lock()
	if c.seen[key] {
		c.mu.Unlock()
		return
	}
	c.seen[key] = true
	c.mu.Unlock()

	fn()

	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func TestDuplicateDelivery_IsProcessedOnce(t *testing.T) {
	c := newFakeConsumer()

	const (
		orderRef  = "ORD-1"
		handler   = "OrderPlaced"
		messageID = "123"
	)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.process(orderRef, handler, messageID, func() {})
		}()
	}
	wg.Wait()

	if c.calls != 1 {
		t.Fatalf("expected exactly 1 processing call, got %d", c.calls)
	}
}

func TestRedelivery_DeterministicUnderConcurrency(t *testing.T) {
	for run := 0; run < 100; run++ {
		c := newFakeConsumer()
		var wg sync.WaitGroup

		// same scenario, repeated concurrently
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c.process("ORD-1", "OrderPlaced", "1", func() {})
				c.process("ORD-1", "PaymentConfirmed", "2", func() {})
				c.process("ORD-1", "OrderPlaced", "1", func() {}) // duplicate
			}(i)
		}
		wg.Wait()

		if c.calls != 2 {
			t.Fatalf("run=%d expected 2 unique calls (OrderPlaced#1, PaymentConfirmed#2), got %d", run, c.calls)
		}
	}
}

func TestSortedLines_StableLockOrder(t *testing.T) {
	input := []models.NewReservationLine{
		{Sku: "RICE-5KG", LocationId: 2, Qty: 1},
		{Sku: "APPLE-1KG", LocationId: 1, Qty: 3},
		{Sku: "RICE-5KG", LocationId: 1, Qty: 2},
	}

	got := sortedLines(input)

	want := []models.NewReservationLine{
		{Sku: "APPLE-1KG", LocationId: 1, Qty: 3},
		{Sku: "RICE-5KG", LocationId: 1, Qty: 2},
		{Sku: "RICE-5KG", LocationId: 2, Qty: 1},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %+v want %+v", i, got[i], want[i])
		}
	}

	// The caller's slice must not be reordered under it.
	if input[0].Sku != "RICE-5KG" || input[0].LocationId != 2 {
		t.Fatalf("input mutated: %+v", input[0])
	}
}

func TestIsPermanentEventError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"malformed payload", &MalformedEventError{EventType: "OrderPlaced", Err: errors.New("bad json")}, true},
		{"insufficient stock", &models.InsufficientStockError{}, true},
		{"wrapped insufficient stock", fmt.Errorf("reserve: %w", &models.InsufficientStockError{}), true},
		{"invalid state", &models.InvalidStateError{State: models.ReservationStateExpired, Operation: "commit"}, true},
		{"reservation not found", models.ErrReservationNotFound, true},
		{"stock record not found", fmt.Errorf("line 2: %w", models.ErrStockRecordNotFound), true},
		{"location not found", models.ErrLocationNotFound, true},
		{"version conflict", models.ErrVersionConflict, false},
		{"in progress on another worker", ErrIdempotencyInProgress, false},
		{"infrastructure", errors.New("dial tcp: connection refused"), false},
	}
	for _, c := range cases {
		if got := IsPermanentEventError(c.err); got != c.permanent {
			t.Fatalf("%s: IsPermanentEventError = %v, want %v", c.name, got, c.permanent)
		}
	}
}

func TestMalformedEventError_Unwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &MalformedEventError{EventType: "OrderPlaced", Err: cause}

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is should see the cause through Unwrap")
	}
	if err.Error() != "malformed OrderPlaced event: unexpected end of JSON input" {
		t.Fatalf("message: %q", err.Error())
	}
}
