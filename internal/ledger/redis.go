package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// RedisClient is the subset of *redis.Client the ledger needs.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLedger shares published markers between processes. Redis is only an
// accelerator: any Redis error falls through to the inner ledger.
type RedisLedger struct {
	inner  Ledger
	rdb    RedisClient
	prefix string
	now    func() time.Time
}

// NewRedis wraps inner with a Redis front using keys "<prefix><requestID>".
func NewRedis(inner Ledger, rdb RedisClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "pipeline:ledger:"
	}
	return &RedisLedger{inner: inner, rdb: rdb, prefix: prefix, now: time.Now}
}

// HasProcessed reports whether the request was applied.
func (r *RedisLedger) HasProcessed(ctx context.Context, requestID string) (bool, error) {
	rec, err := r.Lookup(ctx, requestID)
	return rec != nil, err
}

// Lookup checks Redis first, then the inner ledger. Published records found
// in the inner ledger are written back with SET NX and their remaining TTL.
func (r *RedisLedger) Lookup(ctx context.Context, requestID string) (*domain.IdempotencyRecord, error) {
	key := r.prefix + requestID
	raw, err := r.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rec domain.IdempotencyRecord
		if jerr := json.Unmarshal(raw, &rec); jerr == nil && rec.Published() {
			return &rec, nil
		}
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("request_id", requestID).Msg("ledger redis get failed")
	}

	rec, err := r.inner.Lookup(ctx, requestID)
	if err != nil || rec == nil || !rec.Published() {
		return rec, err
	}
	r.remember(ctx, rec)
	return rec, nil
}

func (r *RedisLedger) remember(ctx context.Context, rec *domain.IdempotencyRecord) {
	ttl := rec.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.rdb.SetNX(ctx, r.prefix+rec.RequestID, b, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("request_id", rec.RequestID).Msg("ledger redis setnx failed")
	}
}

// MarkProcessed delegates to the inner ledger.
func (r *RedisLedger) MarkProcessed(ctx context.Context, tx *gorm.DB, rec *domain.IdempotencyRecord, ttl time.Duration) error {
	return r.inner.MarkProcessed(ctx, tx, rec, ttl)
}

// MarkPublished delegates, then publishes the marker to Redis.
func (r *RedisLedger) MarkPublished(ctx context.Context, requestID, eventID string) error {
	if err := r.inner.MarkPublished(ctx, requestID, eventID); err != nil {
		return err
	}
	if rec, err := r.inner.Lookup(ctx, requestID); err == nil && rec.Published() {
		r.remember(ctx, rec)
	}
	return nil
}

// Purge delegates; Redis keys expire on their own.
func (r *RedisLedger) Purge(ctx context.Context, now time.Time) (int64, error) {
	return r.inner.Purge(ctx, now)
}

var _ Ledger = (*RedisLedger)(nil)
