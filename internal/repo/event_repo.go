// Package repo implements the data persistence layer for the pipeline,
// backed by GORM. This file provides the event bus log (events) and the
// per-subscriber delivery rows that drive fan-out.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// EventExists reports whether an event with the given id was already logged.
func EventExists(ctx context.Context, db *gorm.DB, eventID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.EventRecord{}).Where("event_id = ?", eventID).Count(&n).Error
	return n > 0, err
}

// InsertEvent logs evt. It returns ErrDuplicate if the event id exists.
func InsertEvent(ctx context.Context, db *gorm.DB, evt domain.DomainEvent, now time.Time) (*domain.EventRecord, error) {
	rec := &domain.EventRecord{
		EventID:       evt.EventID,
		EntityType:    evt.EntityType,
		Operation:     evt.Operation,
		EntityID:      evt.EntityID,
		SchemaVersion: evt.Payload.Version,
		Payload:       datatypes.JSON(evt.Payload.Data),
		CausationID:   evt.CausationID,
		OccurredAt:    evt.OccurredAt.UTC(),
		CreatedAt:     now.UTC(),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, mapCreateErr(err)
	}
	return rec, nil
}

// GetEvent fetches a logged event by id, or ErrNotFound.
func GetEvent(ctx context.Context, db *gorm.DB, eventID string) (*domain.EventRecord, error) {
	var rec domain.EventRecord
	if err := db.WithContext(ctx).Where("event_id = ?", eventID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// InsertDeliveries creates one pending delivery per subscriber for eventID,
// due at now.
func InsertDeliveries(ctx context.Context, db *gorm.DB, eventID string, subscribers []string, now time.Time) error {
	if len(subscribers) == 0 {
		return nil
	}
	rows := make([]domain.Delivery, 0, len(subscribers))
	for _, s := range subscribers {
		rows = append(rows, domain.Delivery{
			ID:          uuid.NewString(),
			EventID:     eventID,
			Subscriber:  s,
			Status:      domain.DeliveryPending,
			NextAttempt: now.UTC(),
			CreatedAt:   now.UTC(),
			UpdatedAt:   now.UTC(),
		})
	}
	if err := db.WithContext(ctx).Omit(clause.Associations).Create(&rows).Error; err != nil {
		return mapCreateErr(err)
	}
	return nil
}

// DueDeliveries returns up to limit pending deliveries of subscriber whose
// next attempt is due, oldest first, with Event filled in.
func DueDeliveries(ctx context.Context, db *gorm.DB, subscriber string, limit int, now time.Time) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	var out []domain.Delivery
	err := db.WithContext(ctx).
		Where("subscriber = ? AND status = ? AND next_attempt <= ?", subscriber, domain.DeliveryPending, now.UTC()).
		Order("next_attempt asc, created_at asc").
		Limit(limit).
		Find(&out).Error
	if err != nil || len(out) == 0 {
		return out, err
	}

	ids := make([]string, 0, len(out))
	for _, d := range out {
		ids = append(ids, d.EventID)
	}
	var events []domain.EventRecord
	if err := db.WithContext(ctx).Where("event_id IN ?", ids).Find(&events).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]domain.EventRecord, len(events))
	for _, e := range events {
		byID[e.EventID] = e
	}
	for i := range out {
		out[i].Event = byID[out[i].EventID]
	}
	return out, nil
}

func updatePending(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.Delivery{}).
		Where("id = ? AND status = ?", id, domain.DeliveryPending).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDelivered records a successful delivery.
func MarkDelivered(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return updatePending(ctx, db, id, map[string]any{
		"status":       domain.DeliveryDelivered,
		"delivered_at": now.UTC(),
		"updated_at":   now.UTC(),
	})
}

// RescheduleDelivery counts a failed delivery and schedules the next attempt.
func RescheduleDelivery(ctx context.Context, db *gorm.DB, id string, attempt int, next time.Time, lastErr string, now time.Time) error {
	return updatePending(ctx, db, id, map[string]any{
		"attempt":      attempt,
		"next_attempt": next.UTC(),
		"last_error":   lastErr,
		"updated_at":   now.UTC(),
	})
}

// MarkDeliveryDead gives up on a delivery after its retry budget ran out.
func MarkDeliveryDead(ctx context.Context, db *gorm.DB, id string, attempt int, lastErr string, now time.Time) error {
	return updatePending(ctx, db, id, map[string]any{
		"status":     domain.DeliveryDead,
		"attempt":    attempt,
		"last_error": lastErr,
		"updated_at": now.UTC(),
	})
}

// ListDeliveries returns every delivery row of an event, ordered by subscriber.
func ListDeliveries(ctx context.Context, db *gorm.DB, eventID string) ([]domain.Delivery, error) {
	var out []domain.Delivery
	err := db.WithContext(ctx).Where("event_id = ?", eventID).Order("subscriber asc").Find(&out).Error
	return out, err
}

// CountDeliveries returns the number of deliveries of subscriber in status.
// An empty subscriber counts across all subscribers.
func CountDeliveries(ctx context.Context, db *gorm.DB, subscriber string, status domain.DeliveryStatus) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.Delivery{}).Where("status = ?", status)
	if subscriber != "" {
		q = q.Where("subscriber = ?", subscriber)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}
