package ledger

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// CachedLedger keeps published records in process memory so redelivery
// storms of already finished requests do not hit the database.
type CachedLedger struct {
	inner Ledger
	cache *gocache.Cache
}

// NewCached wraps inner with an in-memory cache whose entries live for ttl.
func NewCached(inner Ledger, ttl time.Duration) *CachedLedger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedLedger{inner: inner, cache: gocache.New(ttl, 2*ttl)}
}

// HasProcessed reports whether the request was applied.
func (c *CachedLedger) HasProcessed(ctx context.Context, requestID string) (bool, error) {
	rec, err := c.Lookup(ctx, requestID)
	return rec != nil, err
}

// Lookup serves published records from memory and everything else from the
// inner ledger.
func (c *CachedLedger) Lookup(ctx context.Context, requestID string) (*domain.IdempotencyRecord, error) {
	if v, ok := c.cache.Get(requestID); ok {
		rec := v.(domain.IdempotencyRecord)
		return &rec, nil
	}
	rec, err := c.inner.Lookup(ctx, requestID)
	if err != nil || rec == nil {
		return rec, err
	}
	if rec.Published() {
		c.cache.SetDefault(requestID, *rec)
	}
	return rec, nil
}

// MarkProcessed delegates to the inner ledger.
func (c *CachedLedger) MarkProcessed(ctx context.Context, tx *gorm.DB, rec *domain.IdempotencyRecord, ttl time.Duration) error {
	return c.inner.MarkProcessed(ctx, tx, rec, ttl)
}

// MarkPublished delegates and drops any cached copy.
func (c *CachedLedger) MarkPublished(ctx context.Context, requestID, eventID string) error {
	if err := c.inner.MarkPublished(ctx, requestID, eventID); err != nil {
		return err
	}
	c.cache.Delete(requestID)
	return nil
}

// Purge delegates and clears expired cache entries.
func (c *CachedLedger) Purge(ctx context.Context, now time.Time) (int64, error) {
	c.cache.DeleteExpired()
	return c.inner.Purge(ctx, now)
}

var _ Ledger = (*CachedLedger)(nil)
