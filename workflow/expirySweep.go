package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExpirySweeper reclaims PENDING reservations whose TTL has passed. Expiry is
// sweep-based: a reservation is expired only once a sweep durably records it,
// so an in-flight commit that locks the row first still wins.
type ExpirySweeper struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	Interval  time.Duration
	BatchSize int
	LeaderTTL time.Duration
}

func NewExpirySweeper(db *gorm.DB, logger *logrus.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		DB:        db,
		Logger:    logger,
		Interval:  30 * time.Second,
		BatchSize: 100,
		LeaderTTL: 25 * time.Second,
	}
}

func (s *ExpirySweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
	}
}

// sweepTick runs one leader-gated sweep pass. The Redis lock only avoids
// replicas doing duplicate work; SKIP LOCKED keeps concurrent sweeps correct
// when Redis is unavailable.
func (s *ExpirySweeper) sweepTick(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, "sweep:leader", s.LeaderTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return
			}
			// Redis down; sweep anyway.
		} else {
			defer lock.Release(ctx)
		}
	}

	if _, err := s.SweepOnce(ctx); err != nil {
		config.LogError(s.Logger, "ExpirySweep.go", "sweepTick", "SweepOnce", nil, err)
	}
}

// SweepOnce expires one batch and returns how many reservations it reclaimed.
// Also the entry point for the manual ops endpoint.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	db := s.DB
	if db == nil {
		return 0, errors.New("sweeper has no db")
	}

	expired := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := models.ListExpiredPending(tx, time.Now().UTC(), s.BatchSize)
		if err != nil {
			return err
		}
		for _, reservation := range batch {
			if err := expireReservationTx(ctx, tx, s.Logger, reservation); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if expired > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":   "ExpirySweeper",
			"expired": expired,
		}).Info("expired overdue reservations")
	}
	return expired, nil
}

// SweepAll drains every overdue reservation in batches. Used by the ops
// endpoint and the run-sweep tool.
func (s *ExpirySweeper) SweepAll(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.SweepOnce(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n < s.BatchSize {
			return total, nil
		}
	}
}

// expireReservationTx returns one overdue hold to availability. The row is
// already locked by ListExpiredPending, so nobody else can commit it under us.
func expireReservationTx(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, reservation *models.Reservation) error {

	for _, line := range reservation.Lines {
		if _, err := applyDeltaWithRetry(ctx, tx, line.Sku, line.LocationId, -line.Qty, 0, models.StockMovementTypeExpire, reservation.Id, reservation.OrderRef); err != nil {
			config.LogError(logger, "ExpirySweep.go", "expireReservationTx", "ApplyDelta", line, err)
			return err
		}
	}

	if err := models.MarkReservationState(tx, reservation, models.ReservationStateExpired, "expire"); err != nil {
		return err
	}

	payload := models.BuildReservationPayload(reservation, "reservation ttl expired")
	if err := models.EnqueueStockEvent(ctx, tx, models.EventTypeStockReleased, reservation.OrderRef, reservation.Id, "", 0, payload); err != nil {
		return err
	}

	for _, line := range reservation.Lines {
		models.InvalidateAvailabilityCache(line.Sku, line.LocationId)
	}
	return nil
}
