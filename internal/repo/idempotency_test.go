package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

func newRecord(id string, now time.Time, ttl time.Duration) *domain.IdempotencyRecord {
	return &domain.IdempotencyRecord{
		RequestID:   id,
		EntityType:  domain.EntityRestaurant,
		Operation:   domain.OpCreate,
		EventID:     domain.EventIDFor(id),
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestGetIdempotency_EmptyID_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyRecord{})
	rec, err := GetIdempotency(context.Background(), db, "   ", time.Now())
	if rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound), got (%v, %v)", rec, err)
	}
}

func TestGetIdempotency_ExpiredOrMissing_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyRecord{})
	now := time.Now().UTC()

	exp := newRecord("r1", now.Add(-2*time.Hour), time.Hour)
	if err := db.Create(exp).Error; err != nil {
		t.Fatalf("seed expired: %v", err)
	}
	if rec, err := GetIdempotency(context.Background(), db, "r1", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for expired, got (%v, %v)", rec, err)
	}
	if rec, err := GetIdempotency(context.Background(), db, "missing", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for missing, got (%v, %v)", rec, err)
	}
}

func TestCreateIdempotency_DuplicateAndExpiredReplace(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyRecord{})
	ctx := context.Background()
	now := time.Now().UTC()

	if err := CreateIdempotency(ctx, db, newRecord("r1", now, time.Hour)); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if err := CreateIdempotency(ctx, db, newRecord("r1", now, time.Hour)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// An expired leftover does not block a new record.
	if err := db.Create(newRecord("r2", now.Add(-3*time.Hour), time.Hour)).Error; err != nil {
		t.Fatalf("seed expired: %v", err)
	}
	if err := CreateIdempotency(ctx, db, newRecord("r2", now, time.Hour)); err != nil {
		t.Fatalf("expected expired record to be replaced, got %v", err)
	}
	if err := CreateIdempotency(ctx, db, &domain.IdempotencyRecord{}); err == nil {
		t.Fatalf("expected error for empty request id")
	}
}

func TestCreateIdempotency_RollsBackWithTransaction(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyRecord{})
	ctx := context.Background()
	now := time.Now().UTC()

	boom := errors.New("mutation failed")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := CreateIdempotency(ctx, tx, newRecord("r1", now, time.Hour)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := GetIdempotency(ctx, db, "r1", now); err != ErrNotFound {
		t.Fatalf("record must not survive a rolled back mutation, got %v", err)
	}
}

func TestMarkPublished_Purge(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyRecord{})
	ctx := context.Background()
	now := time.Now().UTC()

	rec := newRecord("r1", now, time.Hour)
	rec.EntityID = "ent-1"
	if err := CreateIdempotency(ctx, db, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, _ = GetIdempotency(ctx, db, "r1", now)
	if rec.Published() || rec.EntityID != "ent-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if err := MarkIdempotencyPublished(ctx, db, "r1", rec.EventID, now); err != nil {
		t.Fatalf("MarkIdempotencyPublished: %v", err)
	}
	rec, _ = GetIdempotency(ctx, db, "r1", now)
	if !rec.Published() {
		t.Fatalf("expected published record")
	}
	if err := MarkIdempotencyPublished(ctx, db, "nope", "e", now); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := PurgeIdempotency(ctx, db, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeIdempotency: n=%d err=%v", n, err)
	}
}
