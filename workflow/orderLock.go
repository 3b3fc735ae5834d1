package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireOrderLock serializes event handling per order across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the handling transaction.
func AcquireOrderLock(tx *gorm.DB, orderRef string) error {
	lockName := fmt.Sprintf("order:%s", orderRef)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire order lock for order_ref=%s", orderRef)
	}
	return nil
}

func ReleaseOrderLock(tx *gorm.DB, orderRef string) {
	lockName := fmt.Sprintf("order:%s", orderRef)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
