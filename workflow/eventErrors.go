package workflow

import (
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/inventory_backend/models"
)

// MalformedEventError marks an event whose payload can never be processed.
// Redelivering it would fail identically, so consumers ack and drop it.
type MalformedEventError struct {
	EventType string
	Err       error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %v", e.EventType, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// IsPermanentEventError reports whether processing failed on a business rule
// rather than infrastructure. Permanent failures are recorded and acked;
// nacking them would redeliver a message that can never succeed. Version
// conflicts stay transient: the same message wins on a later delivery.
func IsPermanentEventError(err error) bool {
	var malformed *MalformedEventError
	if errors.As(err, &malformed) {
		return true
	}
	var insufficient *models.InsufficientStockError
	if errors.As(err, &insufficient) {
		return true
	}
	var invalidState *models.InvalidStateError
	if errors.As(err, &invalidState) {
		return true
	}
	return errors.Is(err, models.ErrReservationNotFound) ||
		errors.Is(err, models.ErrStockRecordNotFound) ||
		errors.Is(err, models.ErrLocationNotFound)
}
