// Package repo implements the data persistence layer for the pipeline,
// backed by GORM. This file provides repository helpers for the
// IdempotencyRecord model, the durable side of the processed-request ledger.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, requestID string, now time.Time) (*domain.IdempotencyRecord, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("request_id = ? AND expires_at > ?", requestID, now.UTC()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency inserts a record and returns ErrDuplicate on unique
// violation. Pass the mutation transaction as db so the record commits or
// rolls back together with the side effect.
//
// An expired leftover with the same request id is replaced; only a live record
// counts as a duplicate.
func CreateIdempotency(ctx context.Context, db *gorm.DB, rec *domain.IdempotencyRecord) error {
	if strings.TrimSpace(rec.RequestID) == "" {
		return errors.New("idempotency record requires a request id")
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).
		Where("request_id = ? AND expires_at <= ?", rec.RequestID, rec.ProcessedAt).
		Delete(&domain.IdempotencyRecord{}).Error; err != nil {
		return err
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		return mapCreateErr(err)
	}
	return nil
}

// MarkIdempotencyPublished stamps PublishedAt. It returns ErrNotFound when no
// record exists for requestID.
func MarkIdempotencyPublished(ctx context.Context, db *gorm.DB, requestID, eventID string, at time.Time) error {
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("request_id = ?", requestID).
		Updates(map[string]any{"published_at": at.UTC(), "event_id": eventID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeIdempotency deletes records that expired at or before now.
func PurgeIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
