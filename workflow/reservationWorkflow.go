package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Version-conflict retry budget for one stock mutation: the initial attempt
// plus casMaxRetries re-reads. Worst case sleeps 10+40+160 = 210ms, which fits
// inside the 500ms latency budget callers plan for.
const casMaxRetries = 3

var casBackoff = [casMaxRetries]time.Duration{
	10 * time.Millisecond,
	40 * time.Millisecond,
	160 * time.Millisecond,
}

// applyDeltaWithRetry reads the current version and applies the delta,
// retrying on version conflicts only. Under READ COMMITTED the in-transaction
// re-read observes the competing writer's committed row, so the next attempt
// carries a fresh version. Not-found, insufficiency and invariant errors are
// returned immediately.
func applyDeltaWithRetry(ctx context.Context, tx *gorm.DB, sku string, locationId int, reservedDelta int64, totalDelta int64, movementType models.StockMovementType, reservationId string, orderRef string) (*models.StockRecord, error) {

	for attempt := 0; ; attempt++ {
		record, err := models.GetStockRecordTx(tx, sku, locationId)
		if err != nil {
			return nil, err
		}

		updated, err := models.ApplyStockDelta(ctx, tx, sku, locationId, reservedDelta, totalDelta, record.Version, movementType, reservationId, orderRef)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= casMaxRetries {
			return nil, fmt.Errorf("stock update for %s@%d lost %d version races: %w", sku, locationId, attempt+1, models.ErrVersionConflict)
		}
		time.Sleep(casBackoff[attempt])
	}
}

// sortedLines returns the reservation lines in (sku, location) order so that
// concurrent multi-line reservations touch rows in the same sequence and
// cannot deadlock each other.
func sortedLines(lines []models.NewReservationLine) []models.NewReservationLine {
	sorted := make([]models.NewReservationLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Sku != sorted[j].Sku {
			return sorted[i].Sku < sorted[j].Sku
		}
		return sorted[i].LocationId < sorted[j].LocationId
	})
	return sorted
}

// ReserveStock places an all-or-nothing hold for one order. Safe to call
// twice with the same order_ref: the existing reservation is returned instead
// of double-holding stock.
func ReserveStock(ctx context.Context, input *models.NewReservation) (*models.Reservation, error) {

	logger := config.GetLogger()

	if err := input.Validate(); err != nil {
		return nil, err
	}

	var reservation *models.Reservation
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := ReserveStockTx(ctx, tx, logger, input)
		if err != nil {
			return err
		}
		reservation = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, line := range reservation.Lines {
		models.InvalidateAvailabilityCache(line.Sku, line.LocationId)
	}
	return reservation, nil
}

func ReserveStockTx(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, input *models.NewReservation) (*models.Reservation, error) {

	existing, err := reservationForOrderRef(tx, input.OrderRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	ttl := models.ClampTtl(input.TtlSeconds)
	now := time.Now().UTC()

	reservation := models.Reservation{
		Id:            uuid.NewString(),
		OrderRef:      input.OrderRef,
		State:         models.ReservationStatePending,
		ExpiresAt:     now.Add(ttl),
		CorrelationId: correlationIdOrNew(ctx),
	}

	lines := sortedLines(input.Lines)
	var insufficient []models.InsufficientLine
	for i, line := range lines {
		_, err := applyDeltaWithRetry(ctx, tx, line.Sku, line.LocationId, line.Qty, 0, models.StockMovementTypeReserve, reservation.Id, input.OrderRef)
		if err == nil {
			reservation.Lines = append(reservation.Lines, models.ReservationLine{
				Sku:        line.Sku,
				LocationId: line.LocationId,
				Qty:        line.Qty,
			})
			continue
		}

		var insErr *models.InsufficientStockError
		if !errors.As(err, &insErr) {
			config.LogError(logger, "ReservationWorkflow.go", "ReserveStockTx", "ApplyDelta", line, err)
			return nil, err
		}

		// All-or-nothing: one short line fails the whole request. Snapshot the
		// remaining lines too so the caller sees every shortage at once.
		insufficient = append(insufficient, insErr.Lines...)
		for _, rest := range lines[i+1:] {
			record, rerr := models.GetStockRecordTx(tx, rest.Sku, rest.LocationId)
			if rerr != nil {
				if errors.Is(rerr, models.ErrStockRecordNotFound) {
					return nil, rerr
				}
				continue
			}
			if record.AvailableQty() < rest.Qty {
				insufficient = append(insufficient, models.InsufficientLine{
					Sku:        rest.Sku,
					LocationId: rest.LocationId,
					Requested:  rest.Qty,
					Available:  record.AvailableQty(),
				})
			}
		}
		return nil, &models.InsufficientStockError{Lines: insufficient}
	}

	if err := tx.Create(&reservation).Error; err != nil {
		// A concurrent request for the same order_ref won the unique index.
		// Fail this transaction; the caller retries and gets the winner's row.
		if isDuplicateKeyErr(err) {
			return nil, fmt.Errorf("order_ref %s reserved concurrently: %w", input.OrderRef, models.ErrVersionConflict)
		}
		config.LogError(logger, "ReservationWorkflow.go", "ReserveStockTx", "CreateReservation", reservation, err)
		return nil, err
	}

	payload := models.BuildReservationPayload(&reservation, "")
	if err := models.EnqueueStockEvent(ctx, tx, models.EventTypeStockReserved, reservation.OrderRef, reservation.Id, "", 0, payload); err != nil {
		config.LogError(logger, "ReservationWorkflow.go", "ReserveStockTx", "EnqueueStockReserved", reservation.Id, err)
		return nil, err
	}

	return &reservation, nil
}

// reservationForOrderRef resolves repeat reserve requests. An active or
// committed reservation is simply handed back; a closed one means the caller
// is reusing a dead order_ref and must not get fresh stock under it.
func reservationForOrderRef(tx *gorm.DB, orderRef string) (*models.Reservation, error) {
	existing, err := models.GetReservationByOrderRefForUpdate(tx, orderRef)
	if err != nil {
		if errors.Is(err, models.ErrReservationNotFound) {
			return nil, nil
		}
		return nil, err
	}
	switch existing.State {
	case models.ReservationStatePending, models.ReservationStateCommitted:
		return existing, nil
	default:
		return nil, &models.InvalidStateError{
			ReservationId: existing.Id,
			State:         existing.State,
			Operation:     "reserve",
		}
	}
}

// CommitReservation finalizes the sale: reserved quantity leaves the building.
// Committing twice is a no-op; committing after the expiry sweep reclaimed the
// hold fails with InvalidStateError and announces a ReservationCommitConflict
// event for the order service to reconcile.
func CommitReservation(ctx context.Context, reservationId string) (*models.Reservation, error) {

	logger := config.GetLogger()
	db := config.GetDB()

	var reservation *models.Reservation
	var expiredConflict bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, conflict, err := CommitReservationTx(ctx, tx, logger, reservationId)
		if err != nil {
			return err
		}
		reservation, expiredConflict = r, conflict
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expiredConflict {
		return nil, &models.InvalidStateError{
			ReservationId: reservation.Id,
			State:         reservation.State,
			Operation:     "commit",
		}
	}

	for _, line := range reservation.Lines {
		models.InvalidateAvailabilityCache(line.Sku, line.LocationId)
	}
	return reservation, nil
}

// CommitReservationTx is the in-transaction commit. expiredConflict reports
// the commit-after-expiry case: the transaction must still COMMIT (it holds
// the ReservationCommitConflict outbox row) even though no stock moved.
func CommitReservationTx(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, reservationId string) (*models.Reservation, bool, error) {

	r, err := models.GetReservationForUpdate(tx, reservationId)
	if err != nil {
		return nil, false, err
	}

	switch r.State {
	case models.ReservationStateCommitted:
		// Idempotent repeat; stock has already been decremented once.
		return r, false, nil
	case models.ReservationStateExpired:
		// The sweep won the race and the hold went back on the shelf. The
		// conflict event still has to reach the order service.
		payload := models.BuildReservationPayload(r, "commit after expiry")
		if err := models.EnqueueStockEvent(ctx, tx, models.EventTypeReservationCommitConflict, r.OrderRef, r.Id, "", 0, payload); err != nil {
			return nil, false, err
		}
		return r, true, nil
	case models.ReservationStateReleased:
		return nil, false, &models.InvalidStateError{ReservationId: r.Id, State: r.State, Operation: "commit"}
	}

	// PENDING commits even past expires_at: expiry only exists once the
	// sweep has durably recorded it.
	for _, line := range r.Lines {
		if _, err := applyDeltaWithRetry(ctx, tx, line.Sku, line.LocationId, -line.Qty, -line.Qty, models.StockMovementTypeCommit, r.Id, r.OrderRef); err != nil {
			config.LogError(logger, "ReservationWorkflow.go", "CommitReservationTx", "ApplyDelta", line, err)
			return nil, false, err
		}
	}

	if err := models.MarkReservationState(tx, r, models.ReservationStateCommitted, "commit"); err != nil {
		return nil, false, err
	}

	payload := models.BuildReservationPayload(r, "")
	if err := models.EnqueueStockEvent(ctx, tx, models.EventTypeStockCommitted, r.OrderRef, r.Id, "", 0, payload); err != nil {
		return nil, false, err
	}
	return r, false, nil
}

// ReleaseReservation returns a hold to availability. Releasing a reservation
// that is already RELEASED or EXPIRED succeeds without effect; the quantity
// went back either way.
func ReleaseReservation(ctx context.Context, reservationId string, reason string) (*models.Reservation, error) {

	logger := config.GetLogger()
	db := config.GetDB()

	var reservation *models.Reservation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := ReleaseReservationTx(ctx, tx, logger, reservationId, reason)
		if err != nil {
			return err
		}
		reservation = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, line := range reservation.Lines {
		models.InvalidateAvailabilityCache(line.Sku, line.LocationId)
	}
	return reservation, nil
}

// ReleaseReservationTx is the in-transaction release.
func ReleaseReservationTx(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, reservationId string, reason string) (*models.Reservation, error) {

	r, err := models.GetReservationForUpdate(tx, reservationId)
	if err != nil {
		return nil, err
	}

	switch r.State {
	case models.ReservationStateReleased, models.ReservationStateExpired:
		return r, nil
	case models.ReservationStateCommitted:
		return nil, &models.InvalidStateError{ReservationId: r.Id, State: r.State, Operation: "release"}
	}

	for _, line := range r.Lines {
		if _, err := applyDeltaWithRetry(ctx, tx, line.Sku, line.LocationId, -line.Qty, 0, models.StockMovementTypeRelease, r.Id, r.OrderRef); err != nil {
			config.LogError(logger, "ReservationWorkflow.go", "ReleaseReservationTx", "ApplyDelta", line, err)
			return nil, err
		}
	}

	if err := models.MarkReservationState(tx, r, models.ReservationStateReleased, "release"); err != nil {
		return nil, err
	}

	payload := models.BuildReservationPayload(r, reason)
	if err := models.EnqueueStockEvent(ctx, tx, models.EventTypeStockReleased, r.OrderRef, r.Id, "", 0, payload); err != nil {
		return nil, err
	}
	return r, nil
}

// RestockStock adds delivered quantity to a record. Used by the replenishment
// endpoint and by tooling; returns the updated record.
func RestockStock(ctx context.Context, sku string, locationId int, qty int64) (*models.StockRecord, error) {

	if qty <= 0 {
		return nil, errors.New("qty must be positive")
	}

	var record *models.StockRecord
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := applyDeltaWithRetry(ctx, tx, sku, locationId, 0, qty, models.StockMovementTypeRestock, "", "")
		if err != nil {
			return err
		}
		record = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	models.InvalidateAvailabilityCache(sku, locationId)
	return record, nil
}

// AdjustStock applies a signed stocktake correction to a record's total
// quantity, recorded as an ADJUST movement. Only unreserved units may be
// written off: a reduction past the reserved quantity is refused as
// insufficient stock.
func AdjustStock(ctx context.Context, sku string, locationId int, delta int64) (*models.StockRecord, error) {

	if delta == 0 {
		return nil, errors.New("delta cannot be zero")
	}

	var record *models.StockRecord
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if delta < 0 {
			current, err := models.GetStockRecordTx(tx, sku, locationId)
			if err != nil {
				return err
			}
			if current.TotalQty+delta < current.ReservedQty {
				return &models.InsufficientStockError{Lines: []models.InsufficientLine{{
					Sku:        sku,
					LocationId: locationId,
					Requested:  -delta,
					Available:  current.AvailableQty(),
				}}}
			}
		}
		updated, err := applyDeltaWithRetry(ctx, tx, sku, locationId, 0, delta, models.StockMovementTypeAdjust, "", "")
		if err != nil {
			return err
		}
		record = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	models.InvalidateAvailabilityCache(sku, locationId)
	return record, nil
}

func correlationIdOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
