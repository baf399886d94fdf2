// Package middleware contains the Gin middleware of the intake API.
//
// This file validates the Idempotency-Key header of mutation submissions.
// The key doubles as the pipeline request id, so a resubmission with the same
// key is recognized before the request reaches the work queues.
package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client-chosen request id.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the key belongs to a request the pipeline
// already knows (queued, processed or dead-lettered).
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures key validation.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 default to 200, the width of
	// the request_id columns.
	MaxLen int
	// Pattern restricts allowed characters; nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// KnownRequest reports whether requestID is already tracked. Errors are
// treated as "not known" so a lookup outage never blocks intake; the queue's
// unique index still rejects a second copy.
type KnownRequest func(ctx context.Context, requestID string) (bool, error)

// IdempotencyValidator checks the Idempotency-Key header when present,
// stashes it for the handler, and flags known requests as replays. Replays
// skip the rate limiter.
func IdempotencyValidator(opts IdempotencyOptions, known KnownRequest) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if known != nil {
			if ok, err := known(c.Request.Context(), key); err == nil && ok {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			} else if err != nil {
				LoggerFrom(c).Warn().Err(err).Str("mutation_id", key).Msg("idempotency lookup failed")
			}
		}
		c.Next()
	}
}
