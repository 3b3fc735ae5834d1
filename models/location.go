package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
)

// Location is a fulfillment site (store, dark store or warehouse) stock is
// tracked against.
type Location struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Code      string    `gorm:"size:20;not null;index" json:"code" binding:"required"`
	Phone     string    `gorm:"size:20" json:"phone"`
	Address   string    `gorm:"type:text" json:"address"`
	City      string    `gorm:"size:100"  json:"city"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewLocation struct {
	Name    string `json:"name" binding:"required"`
	Code    string `json:"code" binding:"required"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	City    string `json:"city"`
}

// validate input for both create & update. (id = 0 for create)

func (input *NewLocation) validate(ctx context.Context, id int) error {
	// name
	if err := utils.ValidateUnique[Location](ctx, "name", input.Name, id); err != nil {
		return err
	}
	// code
	if err := utils.ValidateUnique[Location](ctx, "code", input.Code, id); err != nil {
		return err
	}
	return nil
}

func CreateLocation(ctx context.Context, input *NewLocation) (*Location, error) {

	// <custom>
	input.Code = strings.ToUpper(strings.TrimSpace(input.Code))

	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	location := Location{
		Name:     input.Name,
		Code:     input.Code,
		Phone:    input.Phone,
		Address:  input.Address,
		City:     input.City,
		IsActive: utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&location).Error
	if err != nil {
		return nil, err
	}
	return &location, nil
}

func UpdateLocation(ctx context.Context, id int, input *NewLocation) (*Location, error) {

	input.Code = strings.ToUpper(strings.TrimSpace(input.Code))

	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	location, err := utils.FetchSingleModel[Location](ctx, id)
	if err != nil {
		return nil, ErrLocationNotFound
	}

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&location).Updates(map[string]interface{}{
		"Name":    input.Name,
		"Code":    input.Code,
		"Phone":   input.Phone,
		"Address": input.Address,
		"City":    input.City,
	}).Error
	if err != nil {
		return nil, err
	}

	if rerr := utils.RemoveRedisItem[Location](id); rerr != nil {
		config.LogError(config.GetLogger(), "location", "UpdateLocation", "failed to invalidate cache", id, rerr)
	}

	return location, nil
}

func DeleteLocation(ctx context.Context, id int) (*Location, error) {

	db := config.GetDB()
	result, err := utils.FetchSingleModel[Location](ctx, id)
	if err != nil {
		return nil, ErrLocationNotFound
	}

	// check if location is used
	var count int64
	if err := db.WithContext(ctx).Model(&StockRecord{}).
		Where("location_id = ?", id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("location has stock")
	}

	// db action
	err = db.WithContext(ctx).Delete(&result).Error
	if err != nil {
		return nil, err
	}

	if rerr := utils.RemoveRedisItem[Location](id); rerr != nil {
		config.LogError(config.GetLogger(), "location", "DeleteLocation", "failed to invalidate cache", id, rerr)
	}

	return result, nil
}

func GetLocation(ctx context.Context, id int) (*Location, error) {
	location, err := GetResource[Location](ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, ErrLocationNotFound
		}
		return nil, err
	}
	return location, nil
}

func ListLocation(ctx context.Context, name *string) ([]*Location, error) {

	db := config.GetDB()
	var results []*Location

	dbCtx := db.WithContext(ctx)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	// db query
	err := dbCtx.Order("name").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func ToggleActiveLocation(ctx context.Context, id int, isActive bool) (*Location, error) {
	location, err := ToggleActiveModel[Location](ctx, id, isActive)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, ErrLocationNotFound
		}
		return nil, err
	}
	return location, nil
}
