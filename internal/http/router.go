// Package httpapi wires the Gin engine: middleware, the intake endpoints and
// the operator endpoints for queues and the dead-letter queue.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger (access log, request-scoped logger)
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. Idempotency validator (before the limiter so replays bypass it)
//  8. Rate limiter
//  9. CORS and security headers
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-event-pipeline/internal/config"
	"github.com/tbourn/go-event-pipeline/internal/http/handlers"
	"github.com/tbourn/go-event-pipeline/internal/http/middleware"
	"github.com/tbourn/go-event-pipeline/internal/queue"
)

// maxBodyBytes caps mutation payloads.
const maxBodyBytes = 1 << 20

// Deps are the stores the HTTP layer talks to.
type Deps struct {
	Intake handlers.Intake
	DLQ    handlers.DeadLetterStore
	// Ready reports whether the backing store answers. Nil means always ready.
	Ready func(ctx context.Context) error
}

// RegisterRoutes attaches middleware and endpoints to r.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.LoggerOptions{
		Headers:     []string{middleware.HeaderClientID, "Authorization", "X-API-Key"},
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, knownRequest(deps.Intake)))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", health(deps.Ready))

	h := handlers.New(deps.Intake, deps.DLQ)
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/mutations", h.SubmitMutation)
		api.GET("/mutations/:id", h.GetMutation)
	}
	admin := api.Group("", middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}))
	{
		admin.GET("/queues", h.ListQueues)
		admin.GET("/dlq", h.ListDeadLetters)
		admin.POST("/dlq/:id/redrive", h.RedriveDeadLetter)
	}
}

// knownRequest flags submissions whose request id the pipeline already
// tracks, so the handler answers with the current status.
func knownRequest(intake handlers.Intake) middleware.KnownRequest {
	if intake == nil {
		return nil
	}
	return func(ctx context.Context, id string) (bool, error) {
		st, err := intake.Lookup(ctx, id)
		if err != nil {
			return false, err
		}
		return st.Status != queue.StatusUnknown, nil
	}
}

func health(ready func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness check failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// corsMiddleware allows every origin when none are configured, otherwise
// only the allowlist (echoing the Origin back).
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderClientID, middleware.HeaderIdempotencyKey},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			// ACAO even without an Origin header, for curl and health checks.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps the request body at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
