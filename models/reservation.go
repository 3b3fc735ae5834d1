package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reservation TTL bounds in seconds. Requests outside the window are clamped,
// not rejected, so a sloppy caller still gets a sane hold.
const (
	ReservationTtlMinSeconds     = 300
	ReservationTtlMaxSeconds     = 900
	ReservationTtlDefaultSeconds = 600
)

// Reservation is a soft hold on stock for one order. PENDING is the only
// mutable state; COMMITTED, RELEASED and EXPIRED are terminal.
type Reservation struct {
	Id            string            `gorm:"type:char(36);primary_key" json:"id"`
	OrderRef      string            `gorm:"size:100;not null;index:uniq_order_ref,unique" json:"order_ref"`
	State         ReservationState  `gorm:"size:20;not null;default:'PENDING';index:idx_state_expiry,priority:1" json:"state"`
	ExpiresAt     time.Time         `gorm:"not null;index:idx_state_expiry,priority:2" json:"expires_at"`
	CommittedAt   *time.Time        `json:"committed_at"`
	ReleasedAt    *time.Time        `json:"released_at"` // set for RELEASED and EXPIRED, when the hold was returned
	Lines         []ReservationLine `gorm:"foreignKey:ReservationId" json:"lines"`
	CorrelationId string            `gorm:"size:100" json:"correlation_id"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReservationLine is one (sku, location, qty) of a reservation.
type ReservationLine struct {
	ID            int64  `gorm:"primary_key" json:"id"`
	ReservationId string `gorm:"type:char(36);not null;index" json:"reservation_id"`
	Sku           string `gorm:"size:64;not null" json:"sku"`
	LocationId    int    `gorm:"not null" json:"location_id"`
	Qty           int64  `gorm:"not null" json:"qty"`
}

type NewReservationLine struct {
	Sku        string `json:"sku" binding:"required"`
	LocationId int    `json:"location_id" binding:"required"`
	Qty        int64  `json:"qty" binding:"required"`
}

type NewReservation struct {
	OrderRef   string               `json:"order_ref" binding:"required"`
	TtlSeconds int                  `json:"ttl_seconds"`
	Lines      []NewReservationLine `json:"lines" binding:"required,dive"`
}

// Validate checks the request shape. Stock levels are not checked here; that
// happens atomically inside the reserve transaction.
func (input *NewReservation) Validate() error {
	if strings.TrimSpace(input.OrderRef) == "" {
		return errors.New("order_ref is required")
	}
	if len(input.Lines) == 0 {
		return errors.New("at least one line is required")
	}
	seen := make(map[string]bool, len(input.Lines))
	for _, line := range input.Lines {
		if strings.TrimSpace(line.Sku) == "" {
			return errors.New("sku is required on every line")
		}
		if line.Qty <= 0 {
			return fmt.Errorf("qty must be positive for %s@%d", line.Sku, line.LocationId)
		}
		key := fmt.Sprintf("%s:%d", line.Sku, line.LocationId)
		if seen[key] {
			return fmt.Errorf("duplicate line for %s@%d", line.Sku, line.LocationId)
		}
		seen[key] = true
	}
	return nil
}

// ClampTtl normalises a requested TTL into the allowed window.
// Zero means "use the default".
func ClampTtl(ttlSeconds int) time.Duration {
	if ttlSeconds == 0 {
		ttlSeconds = ReservationTtlDefaultSeconds
	}
	if ttlSeconds < ReservationTtlMinSeconds {
		ttlSeconds = ReservationTtlMinSeconds
	}
	if ttlSeconds > ReservationTtlMaxSeconds {
		ttlSeconds = ReservationTtlMaxSeconds
	}
	return time.Duration(ttlSeconds) * time.Second
}

func GetReservation(ctx context.Context, id string) (*Reservation, error) {
	db := config.GetDB()
	var reservation Reservation
	err := db.WithContext(ctx).Preload("Lines").
		Where("id = ?", id).Take(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &reservation, nil
}

func GetReservationByOrderRef(ctx context.Context, orderRef string) (*Reservation, error) {
	db := config.GetDB()
	var reservation Reservation
	err := db.WithContext(ctx).Preload("Lines").
		Where("order_ref = ?", orderRef).Take(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &reservation, nil
}

// GetReservationForUpdate row-locks the reservation inside an open
// transaction. Commit, release and the expiry sweep all take this lock first,
// so exactly one of them wins a race on the same reservation.
func GetReservationForUpdate(tx *gorm.DB, id string) (*Reservation, error) {
	var reservation Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).Take(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	if err := tx.Where("reservation_id = ?", id).
		Order("sku, location_id").Find(&reservation.Lines).Error; err != nil {
		return nil, err
	}
	return &reservation, nil
}

// GetReservationByOrderRefForUpdate is the order_ref variant of
// GetReservationForUpdate, used by the reserve path's idempotency check.
func GetReservationByOrderRefForUpdate(tx *gorm.DB, orderRef string) (*Reservation, error) {
	var reservation Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_ref = ?", orderRef).Take(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	if err := tx.Where("reservation_id = ?", reservation.Id).
		Order("sku, location_id").Find(&reservation.Lines).Error; err != nil {
		return nil, err
	}
	return &reservation, nil
}

// ListExpiredPending claims a batch of overdue PENDING reservations for the
// sweep. SKIP LOCKED lets concurrent sweepers and in-flight commits pass each
// other without blocking; a reservation locked by a commit is simply not in
// the batch.
func ListExpiredPending(tx *gorm.DB, now time.Time, limit int) ([]*Reservation, error) {
	var results []*Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("state = ? AND expires_at <= ?", ReservationStatePending, now).
		Order("expires_at").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	for _, reservation := range results {
		if err := tx.Where("reservation_id = ?", reservation.Id).
			Order("sku, location_id").Find(&reservation.Lines).Error; err != nil {
			return nil, err
		}
	}
	return results, nil
}

type ReservationFilter struct {
	OrderRef *string
	State    *ReservationState
	Limit    int
	Offset   int
}

func ListReservations(ctx context.Context, filter ReservationFilter) ([]*Reservation, error) {
	db := config.GetDB()
	var results []*Reservation

	dbCtx := db.WithContext(ctx).Model(&Reservation{}).Preload("Lines")
	if filter.OrderRef != nil && len(*filter.OrderRef) > 0 {
		dbCtx = dbCtx.Where("order_ref = ?", *filter.OrderRef)
	}
	if filter.State != nil && len(*filter.State) > 0 {
		dbCtx = dbCtx.Where("state = ?", *filter.State)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = config.SearchLimit
	}

	err := dbCtx.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// MarkReservationState moves a locked reservation to a terminal state.
// The transition table in enums.go is the single gatekeeper.
func MarkReservationState(tx *gorm.DB, reservation *Reservation, target ReservationState, operation string) error {
	if !reservation.State.CanTransitionTo(target) {
		return &InvalidStateError{
			ReservationId: reservation.Id,
			State:         reservation.State,
			Operation:     operation,
		}
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"state": target}
	switch target {
	case ReservationStateCommitted:
		updates["committed_at"] = now
		reservation.CommittedAt = &now
	case ReservationStateReleased, ReservationStateExpired:
		updates["released_at"] = now
		reservation.ReleasedAt = &now
	}

	// db action
	if err := tx.Model(&Reservation{}).Where("id = ?", reservation.Id).
		Updates(updates).Error; err != nil {
		return err
	}
	reservation.State = target
	return nil
}

// ReservationEventPayload is the body of StockReserved / StockCommitted /
// StockReleased events.
type ReservationEventPayload struct {
	OrderRef  string                   `json:"order_ref"`
	State     ReservationState         `json:"state"`
	ExpiresAt *time.Time               `json:"expires_at,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	Lines     []ReservationLinePayload `json:"lines"`
}

type ReservationLinePayload struct {
	Sku        string `json:"sku"`
	LocationId int    `json:"location_id"`
	Qty        int64  `json:"qty"`
}

func BuildReservationPayload(reservation *Reservation, reason string) ReservationEventPayload {
	payload := ReservationEventPayload{
		OrderRef: reservation.OrderRef,
		State:    reservation.State,
		Reason:   reason,
		Lines:    make([]ReservationLinePayload, 0, len(reservation.Lines)),
	}
	if reservation.State == ReservationStatePending {
		expiresAt := reservation.ExpiresAt
		payload.ExpiresAt = &expiresAt
	}
	for _, line := range reservation.Lines {
		payload.Lines = append(payload.Lines, ReservationLinePayload{
			Sku:        line.Sku,
			LocationId: line.LocationId,
			Qty:        line.Qty,
		})
	}
	return payload
}
