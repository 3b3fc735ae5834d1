package models

import (
	"context"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
)

// GetResource reads a row through the Redis cache: Redis first, then the
// database, caching what it finds. Mutating paths invalidate with
// utils.RemoveRedisItem.
// (may return RecordNotFound error)
func GetResource[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	// find in redis
	result, err := utils.RetrieveRedis[T](id)
	if err != nil {
		return nil, err
	}
	// if not found in redis
	if result == nil {
		// fetch from db
		result, err = utils.FetchSingleModel[T](ctx, id, associations...)
		if err != nil {
			return nil, err
		}

		// store in redis
		if err := utils.StoreRedis[T](result, id); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// ToggleActiveModel flips the IsActive column and drops the row's cache entry.
func ToggleActiveModel[T any](ctx context.Context, id int, isActive bool) (*T, error) {

	var result *T
	db := config.GetDB()

	// fetch model before updating
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	// db action
	if err := db.WithContext(ctx).Model(result).
		UpdateColumn("IsActive", isActive).Error; err != nil {
		return nil, err
	}

	// clear cache
	if err := utils.RemoveRedisItem[T](id); err != nil {
		config.LogError(config.GetLogger(), "generics", "ToggleActiveModel", "failed to invalidate cache", id, err)
	}

	return result, nil
}
