// Package repo implements the data persistence layer for the pipeline,
// backed by GORM. This file provides repository functions for the entity
// tables the pipeline mutates: restaurants, reviews and user accounts.
//
// Entities are soft-deleted (gorm.DeletedAt), so Get/Update/Delete never see
// rows that were removed earlier. Update and Delete return ErrNotFound when no
// live row matched.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

func createEntity[T any](ctx context.Context, db *gorm.DB, v *T) error {
	if err := db.WithContext(ctx).Create(v).Error; err != nil {
		return mapCreateErr(err)
	}
	return nil
}

func getEntity[T any](ctx context.Context, db *gorm.DB, id string) (*T, error) {
	var v T
	if err := db.WithContext(ctx).Where("id = ?", id).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func updateEntity[T any](ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	var zero T
	res := db.WithContext(ctx).Model(&zero).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return mapCreateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func deleteEntity[T any](ctx context.Context, db *gorm.DB, id string) error {
	var zero T
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&zero)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRestaurant inserts r. ErrDuplicate if the id is taken.
func CreateRestaurant(ctx context.Context, db *gorm.DB, r *domain.Restaurant) error {
	return createEntity(ctx, db, r)
}

// GetRestaurant fetches a live restaurant by id, or ErrNotFound.
func GetRestaurant(ctx context.Context, db *gorm.DB, id string) (*domain.Restaurant, error) {
	return getEntity[domain.Restaurant](ctx, db, id)
}

// UpdateRestaurant applies column updates to a live restaurant.
func UpdateRestaurant(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	return updateEntity[domain.Restaurant](ctx, db, id, fields)
}

// DeleteRestaurant soft-deletes a restaurant.
func DeleteRestaurant(ctx context.Context, db *gorm.DB, id string) error {
	return deleteEntity[domain.Restaurant](ctx, db, id)
}

// CreateReview inserts r. ErrDuplicate if the id is taken.
func CreateReview(ctx context.Context, db *gorm.DB, r *domain.Review) error {
	return createEntity(ctx, db, r)
}

// GetReview fetches a live review by id, or ErrNotFound.
func GetReview(ctx context.Context, db *gorm.DB, id string) (*domain.Review, error) {
	return getEntity[domain.Review](ctx, db, id)
}

// UpdateReview applies column updates to a live review.
func UpdateReview(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	return updateEntity[domain.Review](ctx, db, id, fields)
}

// DeleteReview soft-deletes a review.
func DeleteReview(ctx context.Context, db *gorm.DB, id string) error {
	return deleteEntity[domain.Review](ctx, db, id)
}

// CreateUserAccount inserts u. ErrDuplicate if the id or email is taken.
func CreateUserAccount(ctx context.Context, db *gorm.DB, u *domain.UserAccount) error {
	return createEntity(ctx, db, u)
}

// GetUserAccount fetches a live user account by id, or ErrNotFound.
func GetUserAccount(ctx context.Context, db *gorm.DB, id string) (*domain.UserAccount, error) {
	return getEntity[domain.UserAccount](ctx, db, id)
}

// UpdateUserAccount applies column updates to a live user account.
func UpdateUserAccount(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	return updateEntity[domain.UserAccount](ctx, db, id, fields)
}

// DeleteUserAccount soft-deletes a user account.
func DeleteUserAccount(ctx context.Context, db *gorm.DB, id string) error {
	return deleteEntity[domain.UserAccount](ctx, db, id)
}
