// Package repo implements the data persistence layer for the pipeline,
// backed by GORM. This file provides repository functions for the
// dead-letter table: listing and counting for operators, lookup by request
// id, redrive back into the owning work queue and purge.
//
// Functions:
//
//   - ListDeadLettersPage(ctx, db, queue, offset, limit) -> []domain.DeadLetter, error
//     Newest failures first; an empty queue name lists every queue.
//
//   - CountDeadLetters(ctx, db, queue) -> (int64, error)
//
//   - GetDeadLetter(ctx, db, id) -> *domain.DeadLetter, error
//
//   - FindDeadLetterByRequest(ctx, db, requestID) -> *domain.DeadLetter, error
//
//   - RedriveDeadLetter(ctx, db, id, now) -> *domain.QueueMessage, error
//     Moves the entry back to its queue with attempt reset to zero.
//
//   - PurgeDeadLetters(ctx, db, queue, before) -> (int64, error)
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

func dlqScope(db *gorm.DB, queue string) *gorm.DB {
	if queue != "" {
		return db.Where("queue = ?", queue)
	}
	return db
}

// ListDeadLettersPage returns a page of dead letters ordered by failure time
// descending. Use CountDeadLetters to obtain the total for pagination metadata.
func ListDeadLettersPage(ctx context.Context, db *gorm.DB, queue string, offset, limit int) ([]domain.DeadLetter, error) {
	var out []domain.DeadLetter
	err := dlqScope(db.WithContext(ctx), queue).
		Order("failed_at desc, id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountDeadLetters returns the number of dead letters held for queue, or for
// all queues when queue is empty.
func CountDeadLetters(ctx context.Context, db *gorm.DB, queue string) (int64, error) {
	var n int64
	err := dlqScope(db.WithContext(ctx).Model(&domain.DeadLetter{}), queue).Count(&n).Error
	return n, err
}

// GetDeadLetter fetches a dead letter by its id, or ErrNotFound.
func GetDeadLetter(ctx context.Context, db *gorm.DB, id string) (*domain.DeadLetter, error) {
	var d domain.DeadLetter
	if err := db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// FindDeadLetterByRequest fetches the dead letter of a request, or ErrNotFound.
func FindDeadLetterByRequest(ctx context.Context, db *gorm.DB, requestID string) (*domain.DeadLetter, error) {
	var d domain.DeadLetter
	if err := db.WithContext(ctx).Where("request_id = ?", requestID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// RedriveDeadLetter puts a dead letter back into its work queue with a fresh
// retry budget and removes it from the dead-letter table. Both steps share a
// transaction. ErrDuplicate is returned if the request is queued again already.
func RedriveDeadLetter(ctx context.Context, db *gorm.DB, id string, now time.Time) (*domain.QueueMessage, error) {
	var out *domain.QueueMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := GetDeadLetter(ctx, tx, id)
		if err != nil {
			return err
		}
		m := &domain.QueueMessage{
			ID:            uuid.NewString(),
			Queue:         d.Queue,
			RequestID:     d.RequestID,
			EntityType:    d.EntityType,
			Operation:     d.Operation,
			SchemaVersion: d.SchemaVersion,
			Payload:       d.Payload,
			VisibleAt:     now.UTC(),
			EnqueuedAt:    d.EnqueuedAt,
			CreatedAt:     now.UTC(),
			UpdatedAt:     now.UTC(),
		}
		if m.EnqueuedAt.IsZero() {
			m.EnqueuedAt = now.UTC()
		}
		if err := tx.Create(m).Error; err != nil {
			return mapCreateErr(err)
		}
		if err := tx.Where("id = ?", d.ID).Delete(&domain.DeadLetter{}).Error; err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeDeadLetters deletes dead letters of queue (all queues when empty) that
// failed before the cutoff. A zero cutoff purges everything in scope.
func PurgeDeadLetters(ctx context.Context, db *gorm.DB, queue string, before time.Time) (int64, error) {
	q := dlqScope(db.WithContext(ctx), queue)
	if !before.IsZero() {
		q = q.Where("failed_at < ?", before.UTC())
	} else {
		q = q.Where("1 = 1")
	}
	res := q.Delete(&domain.DeadLetter{})
	return res.RowsAffected, res.Error
}
