// Package repo implements the data persistence layer for the pipeline,
// backed by GORM. This file provides the work queue primitives: enqueue,
// lease-based claim, acknowledge, release with delay and the move into the
// dead-letter table.
//
// Every function takes a *gorm.DB so it can run inside a caller transaction.
// Lease ownership is expressed by the receipt column: a worker may only
// acknowledge, release, extend or dead-letter a row whose receipt still
// matches the token it was handed.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// EnqueueMessage inserts a request into its work queue, visible immediately.
// It returns ErrDuplicate if the request id is already queued and
// ErrDeadLettered if it was dead-lettered.
func EnqueueMessage(ctx context.Context, db *gorm.DB, req *domain.MutationRequest, now time.Time) (*domain.QueueMessage, error) {
	enq := req.EnqueuedAt
	if enq.IsZero() {
		enq = now
	}
	m := &domain.QueueMessage{
		ID:            uuid.NewString(),
		Queue:         req.Queue(),
		RequestID:     req.RequestID,
		EntityType:    req.EntityType,
		Operation:     req.Operation,
		SchemaVersion: req.Payload.Version,
		Payload:       datatypes.JSON(req.Payload.Data),
		Attempt:       req.Attempt,
		VisibleAt:     now.UTC(),
		EnqueuedAt:    enq.UTC(),
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dead int64
		if err := tx.Model(&domain.DeadLetter{}).Where("request_id = ?", req.RequestID).Count(&dead).Error; err != nil {
			return err
		}
		if dead > 0 {
			return ErrDeadLettered
		}
		return mapCreateErr(tx.Create(m).Error)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ClaimMessages leases up to limit visible rows of queue for visibility.
//
// Rows are taken oldest first. Each claim is a conditional update on
// visible_at, so a row can only be claimed by one caller per visibility
// window even without row locks. On Postgres the candidate scan also uses
// FOR UPDATE SKIP LOCKED so concurrent claimers spread across rows.
func ClaimMessages(ctx context.Context, db *gorm.DB, queue string, limit int, visibility time.Duration, now time.Time) ([]domain.QueueMessage, error) {
	if limit <= 0 {
		limit = 1
	}
	now = now.UTC()
	until := now.Add(visibility)
	claimed := make([]domain.QueueMessage, 0, limit)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []domain.QueueMessage
		q := tx.Where("queue = ? AND visible_at <= ?", queue, now).
			Order("enqueued_at ASC, id ASC").
			Limit(limit)
		if isPostgres(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		for _, m := range candidates {
			receipt := uuid.NewString()
			res := tx.Model(&domain.QueueMessage{}).
				Where("id = ? AND visible_at <= ?", m.ID, now).
				Updates(map[string]any{
					"receipt":       receipt,
					"visible_at":    until,
					"receive_count": gorm.Expr("receive_count + 1"),
					"updated_at":    now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			m.Receipt = receipt
			m.VisibleAt = until
			m.ReceiveCount++
			claimed = append(claimed, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// GetMessageByReceipt fetches the row currently leased under receipt.
func GetMessageByReceipt(ctx context.Context, db *gorm.DB, receipt string) (*domain.QueueMessage, error) {
	if receipt == "" {
		return nil, ErrLeaseLost
	}
	var m domain.QueueMessage
	err := db.WithContext(ctx).Where("receipt = ?", receipt).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessageByRequest returns the queued row for a request id, or ErrNotFound.
func FindMessageByRequest(ctx context.Context, db *gorm.DB, requestID string) (*domain.QueueMessage, error) {
	var m domain.QueueMessage
	if err := db.WithContext(ctx).Where("request_id = ?", requestID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// AckMessage deletes the row leased under receipt. ErrLeaseLost is returned
// when the receipt no longer owns a row.
func AckMessage(ctx context.Context, db *gorm.DB, receipt string) error {
	if receipt == "" {
		return ErrLeaseLost
	}
	res := db.WithContext(ctx).Where("receipt = ?", receipt).Delete(&domain.QueueMessage{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseMessage returns a leased row to its queue after delay, counting one
// more failed attempt and recording lastErr. It returns the updated row.
func ReleaseMessage(ctx context.Context, db *gorm.DB, receipt string, delay time.Duration, lastErr string, now time.Time) (*domain.QueueMessage, error) {
	var out *domain.QueueMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := GetMessageByReceipt(ctx, tx, receipt)
		if err != nil {
			return err
		}
		if delay < 0 {
			delay = 0
		}
		m.Attempt++
		m.VisibleAt = now.UTC().Add(delay)
		m.Receipt = ""
		m.LastError = lastErr
		m.UpdatedAt = now.UTC()
		res := tx.Model(&domain.QueueMessage{}).
			Where("id = ? AND receipt = ?", m.ID, receipt).
			Updates(map[string]any{
				"attempt":    m.Attempt,
				"visible_at": m.VisibleAt,
				"receipt":    "",
				"last_error": lastErr,
				"updated_at": m.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		out = m
		return nil
	})
	return out, err
}

// ExtendLease pushes the visibility deadline of a leased row to now+d.
func ExtendLease(ctx context.Context, db *gorm.DB, receipt string, d time.Duration, now time.Time) error {
	if receipt == "" {
		return ErrLeaseLost
	}
	res := db.WithContext(ctx).Model(&domain.QueueMessage{}).
		Where("receipt = ?", receipt).
		Updates(map[string]any{"visible_at": now.UTC().Add(d), "updated_at": now.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MoveToDeadLetter removes the row leased under receipt from its queue and
// stores it in the dead-letter table, atomically. The failing attempt is
// counted in Attempts. An existing dead letter of the same request is
// refreshed rather than duplicated.
func MoveToDeadLetter(ctx context.Context, db *gorm.DB, receipt string, kind domain.FailureKind, reason string, now time.Time) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := GetMessageByReceipt(ctx, tx, receipt)
		if err != nil {
			return err
		}
		row := &domain.DeadLetter{
			ID:            uuid.NewString(),
			Queue:         m.Queue,
			RequestID:     m.RequestID,
			EntityType:    m.EntityType,
			Operation:     m.Operation,
			SchemaVersion: m.SchemaVersion,
			Payload:       m.Payload,
			FailureKind:   kind,
			LastError:     reason,
			Attempts:      m.Attempt + 1,
			EnqueuedAt:    m.EnqueuedAt,
			FailedAt:      now.UTC(),
		}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "request_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"queue", "entity_type", "operation", "schema_version", "payload",
				"failure_kind", "last_error", "attempts", "enqueued_at", "failed_at",
			}),
		}).Create(row).Error
		if err != nil {
			return err
		}
		res := tx.Where("id = ? AND receipt = ?", m.ID, receipt).Delete(&domain.QueueMessage{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		return tx.Where("request_id = ?", m.RequestID).First(&dl).Error
	})
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// CountMessages returns the number of rows held by queue (ready + in flight).
func CountMessages(ctx context.Context, db *gorm.DB, queue string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.QueueMessage{}).Where("queue = ?", queue).Count(&n).Error
	return n, err
}
