package models

// ReservationState is the lifecycle state of a Reservation.
// PENDING is the only non-terminal state.
type ReservationState string

const (
	ReservationStatePending   ReservationState = "PENDING"
	ReservationStateCommitted ReservationState = "COMMITTED"
	ReservationStateReleased  ReservationState = "RELEASED"
	ReservationStateExpired   ReservationState = "EXPIRED"
)

func (s ReservationState) IsTerminal() bool {
	return s == ReservationStateCommitted || s == ReservationStateReleased || s == ReservationStateExpired
}

// CanTransitionTo reports whether the state machine allows moving to target.
// Terminal states allow no transitions.
func (s ReservationState) CanTransitionTo(target ReservationState) bool {
	if s != ReservationStatePending {
		return false
	}
	switch target {
	case ReservationStateCommitted, ReservationStateReleased, ReservationStateExpired:
		return true
	}
	return false
}

// StockMovementType tags the audit trail row written for every ledger delta.
type StockMovementType string

const (
	StockMovementTypeProvision StockMovementType = "PROVISION"
	StockMovementTypeReserve   StockMovementType = "RESERVE"
	StockMovementTypeRelease   StockMovementType = "RELEASE"
	StockMovementTypeExpire    StockMovementType = "EXPIRE"
	StockMovementTypeCommit    StockMovementType = "COMMIT"
	StockMovementTypeRestock   StockMovementType = "RESTOCK"
	StockMovementTypeAdjust    StockMovementType = "ADJUST"
)

// Outbound event types published on the stock stream.
const (
	EventTypeStockChanged              = "StockChanged"
	EventTypeStockReserved             = "StockReserved"
	EventTypeStockCommitted            = "StockCommitted"
	EventTypeStockReleased             = "StockReleased"
	EventTypeLowStockAlert             = "LowStockAlert"
	EventTypeExpiryAlert               = "ExpiryAlert"
	EventTypeReservationCommitConflict = "ReservationCommitConflict"
)

// Inbound event types consumed from the order stream.
const (
	EventTypeOrderPlaced      = "OrderPlaced"
	EventTypePaymentConfirmed = "PaymentConfirmed"
	EventTypePaymentFailed    = "PaymentFailed"
	EventTypeReturnProcessed  = "ReturnProcessed"
)
