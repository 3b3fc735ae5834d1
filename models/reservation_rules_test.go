package models

import (
	"strings"
	"testing"
	"time"
)

func TestClampTtl_Window(t *testing.T) {
	cases := []struct {
		in   int
		want time.Duration
	}{
		{0, 600 * time.Second},
		{60, 300 * time.Second},
		{300, 300 * time.Second},
		{720, 720 * time.Second},
		{900, 900 * time.Second},
		{3600, 900 * time.Second},
	}
	for _, c := range cases {
		if got := ClampTtl(c.in); got != c.want {
			t.Fatalf("ClampTtl(%d) = %s; want %s", c.in, got, c.want)
		}
	}
}

func TestReservationState_Transitions(t *testing.T) {
	terminals := []ReservationState{ReservationStateCommitted, ReservationStateReleased, ReservationStateExpired}
	for _, target := range terminals {
		if !ReservationStatePending.CanTransitionTo(target) {
			t.Fatalf("PENDING -> %s refused", target)
		}
	}
	if ReservationStatePending.CanTransitionTo(ReservationStatePending) {
		t.Fatalf("PENDING -> PENDING allowed")
	}
	for _, from := range terminals {
		if !from.IsTerminal() {
			t.Fatalf("%s reported as non-terminal", from)
		}
		for _, target := range append(terminals, ReservationStatePending) {
			if from.CanTransitionTo(target) {
				t.Fatalf("%s -> %s allowed; terminal states are frozen", from, target)
			}
		}
	}
}

func TestNewReservation_Validate(t *testing.T) {
	valid := func() *NewReservation {
		return &NewReservation{
			OrderRef: "ORD-1",
			Lines:    []NewReservationLine{{Sku: "RICE-5KG", LocationId: 1, Qty: 2}},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	r := valid()
	r.OrderRef = "   "
	if err := r.Validate(); err == nil {
		t.Fatalf("blank order_ref accepted")
	}

	r = valid()
	r.Lines = nil
	if err := r.Validate(); err == nil {
		t.Fatalf("empty lines accepted")
	}

	r = valid()
	r.Lines[0].Qty = 0
	if err := r.Validate(); err == nil || !strings.Contains(err.Error(), "qty must be positive") {
		t.Fatalf("zero qty: %v", err)
	}

	r = valid()
	r.Lines[0].Sku = " "
	if err := r.Validate(); err == nil {
		t.Fatalf("blank sku accepted")
	}

	r = valid()
	r.Lines = append(r.Lines, r.Lines[0])
	if err := r.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate line") {
		t.Fatalf("duplicate line: %v", err)
	}
}

func TestInsufficientStockError_ListsEveryShortfall(t *testing.T) {
	err := &InsufficientStockError{Lines: []InsufficientLine{
		{Sku: "RICE-5KG", LocationId: 1, Requested: 5, Available: 2},
		{Sku: "OIL-1L", LocationId: 2, Requested: 1, Available: 0},
	}}
	msg := err.Error()
	if !strings.Contains(msg, "RICE-5KG@1 requested 5 available 2") {
		t.Fatalf("first shortfall missing: %s", msg)
	}
	if !strings.Contains(msg, "OIL-1L@2 requested 1 available 0") {
		t.Fatalf("second shortfall missing: %s", msg)
	}
	if got := (&InsufficientStockError{}).Error(); got != "insufficient stock" {
		t.Fatalf("empty error message: %q", got)
	}
}
