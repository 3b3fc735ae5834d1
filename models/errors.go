package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the stock ledger and reservation manager.
// Callers branch on these with errors.Is / errors.As; the HTTP layer maps
// them to status codes.
var (
	ErrStockRecordNotFound  = errors.New("stock record not found")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrLocationNotFound     = errors.New("location not found")
	ErrVersionConflict      = errors.New("stock record version conflict")
	ErrDuplicateStockRecord = errors.New("stock record already exists for sku and location")
)

// InsufficientLine reports one reservation line that could not be covered.
type InsufficientLine struct {
	Sku        string `json:"sku"`
	LocationId int    `json:"location_id"`
	Requested  int64  `json:"requested"`
	Available  int64  `json:"available"`
}

// InsufficientStockError is returned when an operation needs more unreserved
// stock than the ledger holds: a reservation attempt that cannot cover every
// line, or a stocktake write-off past the available quantity. The whole
// attempt fails; Lines lists each shortfall so callers can offer
// substitutions.
type InsufficientStockError struct {
	Lines []InsufficientLine
}

func (e *InsufficientStockError) Error() string {
	if len(e.Lines) == 0 {
		return "insufficient stock"
	}
	parts := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		parts = append(parts, fmt.Sprintf("%s@%d requested %d available %d", l.Sku, l.LocationId, l.Requested, l.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// InvalidStateError is returned when an operation is applied to a reservation
// in a state that does not allow it (e.g. committing an expired reservation).
type InvalidStateError struct {
	ReservationId string
	State         ReservationState
	Operation     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("reservation %s is %s; cannot %s", e.ReservationId, e.State, e.Operation)
}
