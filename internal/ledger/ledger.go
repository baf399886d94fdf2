// Package ledger implements the idempotency ledger: the durable record of
// which mutation requests have already been applied and whether their domain
// event reached the event bus.
//
// The SQL ledger is the source of truth. Its MarkProcessed runs inside the
// mutation's own transaction, so a record exists if and only if the mutation
// committed. CachedLedger and RedisLedger are read-through fronts that only
// ever cache published records, which never change again.
package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

// ErrDuplicate is returned by MarkProcessed when another worker already
// recorded the same request. The caller's transaction must be rolled back.
var ErrDuplicate = repo.ErrDuplicate

// Ledger records processed requests.
type Ledger interface {
	// HasProcessed reports whether the request's mutation was applied.
	HasProcessed(ctx context.Context, requestID string) (bool, error)
	// Lookup returns the live record for requestID, or nil if there is none.
	Lookup(ctx context.Context, requestID string) (*domain.IdempotencyRecord, error)
	// MarkProcessed inserts rec inside tx with an expiry of ttl.
	MarkProcessed(ctx context.Context, tx *gorm.DB, rec *domain.IdempotencyRecord, ttl time.Duration) error
	// MarkPublished records that the request's event was accepted by the bus.
	MarkPublished(ctx context.Context, requestID, eventID string) error
	// Purge removes records that expired at or before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// SQLLedger stores records in the idempotency_records table.
type SQLLedger struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewSQL returns a ledger on db.
func NewSQL(db *gorm.DB) *SQLLedger { return &SQLLedger{DB: db} }

func (l *SQLLedger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// HasProcessed reports whether a live record exists.
func (l *SQLLedger) HasProcessed(ctx context.Context, requestID string) (bool, error) {
	rec, err := l.Lookup(ctx, requestID)
	return rec != nil, err
}

// Lookup returns the live record for requestID, or nil.
func (l *SQLLedger) Lookup(ctx context.Context, requestID string) (*domain.IdempotencyRecord, error) {
	rec, err := repo.GetIdempotency(ctx, l.DB, requestID, l.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// MarkProcessed inserts rec through tx (falls back to the ledger's own
// handle when tx is nil). ProcessedAt and ExpiresAt are stamped here.
func (l *SQLLedger) MarkProcessed(ctx context.Context, tx *gorm.DB, rec *domain.IdempotencyRecord, ttl time.Duration) error {
	if tx == nil {
		tx = l.DB
	}
	now := l.now()
	rec.ProcessedAt = now
	rec.ExpiresAt = now.Add(ttl)
	if rec.EventID == "" {
		rec.EventID = domain.EventIDFor(rec.RequestID)
	}
	return repo.CreateIdempotency(ctx, tx, rec)
}

// MarkPublished stamps PublishedAt on the record.
func (l *SQLLedger) MarkPublished(ctx context.Context, requestID, eventID string) error {
	return repo.MarkIdempotencyPublished(ctx, l.DB, requestID, eventID, l.now())
}

// Purge removes expired records.
func (l *SQLLedger) Purge(ctx context.Context, now time.Time) (int64, error) {
	return repo.PurgeIdempotency(ctx, l.DB, now)
}

var _ Ledger = (*SQLLedger)(nil)
