// Package handlers exposes the HTTP endpoints of the pipeline.
//
// This file provides the mutation intake endpoints:
//
//   - POST /mutations       (enqueue, 202)
//   - GET  /mutations/{id}  (status: pending, processed, dead_lettered, unknown)
//
// Intake only checks the envelope. Payload validation happens in the
// processor so that invalid requests land in the dead-letter queue where an
// operator can inspect them.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/http/middleware"
	"github.com/tbourn/go-event-pipeline/internal/queue"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

// Intake routes requests into the work queues and reports where they are.
// *queue.Set satisfies it.
type Intake interface {
	Enqueue(ctx context.Context, req *domain.MutationRequest) error
	Lookup(ctx context.Context, requestID string) (queue.RequestStatus, error)
	Stats(ctx context.Context) ([]repo.QueueStats, error)
}

// DeadLetterStore is the operator view of the dead-letter queue.
// *queue.DeadLetters satisfies it.
type DeadLetterStore interface {
	List(ctx context.Context, queue string, offset, limit int) ([]domain.DeadLetter, int64, error)
	Redrive(ctx context.Context, id string) (domain.MutationRequest, error)
}

// Handlers groups the intake and admin endpoints.
type Handlers struct {
	intake Intake
	dlq    DeadLetterStore
	now    func() time.Time
}

// New returns Handlers bound to the given stores.
func New(intake Intake, dlq DeadLetterStore) *Handlers {
	return &Handlers{intake: intake, dlq: dlq, now: time.Now}
}

// SubmitMutationRequest is the body of POST /mutations.
type SubmitMutationRequest struct {
	// RequestID is used when no Idempotency-Key header is sent.
	RequestID  string                  `json:"request_id" example:"3f0c8f1e-8f38-4a7e-a1c3-1bba6b0c1c55"`
	EntityType string                  `json:"entity_type" binding:"required" example:"restaurant"`
	Operation  string                  `json:"operation" binding:"required" example:"create"`
	Payload    domain.VersionedPayload `json:"payload"`
}

// SubmitMutationResponse acknowledges an accepted (or already known) request.
type SubmitMutationResponse struct {
	RequestID string       `json:"request_id"`
	Queue     string       `json:"queue"`
	Status    queue.Status `json:"status"`
}

// resolveRequestID picks the request id: header, then body, then a new UUID.
// fromBody reports that the body supplied it, which the idempotency
// middleware has not looked at.
func resolveRequestID(c *gin.Context, body string) (id string, fromBody bool) {
	if k, ok := middleware.GetIdempotencyKey(c); ok {
		return k, false
	}
	if s := strings.TrimSpace(body); s != "" {
		return s, true
	}
	return uuid.NewString(), false
}

// SubmitMutation godoc
// @Summary      Enqueue a mutation
// @Tags         mutations
// @Accept       json
// @Produce      json
// @Param        Idempotency-Key  header  string                 false  "Request id"
// @Param        body             body    SubmitMutationRequest  true   "Mutation"
// @Success      202  {object}  SubmitMutationResponse
// @Success      200  {object}  SubmitMutationResponse  "already known"
// @Failure      400  {object}  ErrorResponse
// @Router       /mutations [post]
func (h *Handlers) SubmitMutation(c *gin.Context) {
	var in SubmitMutationRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		intakeTotal.WithLabelValues("", "rejected").Inc()
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid body: "+err.Error())
		return
	}
	et, err := domain.ParseEntityType(in.EntityType)
	if err != nil {
		intakeTotal.WithLabelValues("", "rejected").Inc()
		fail(c, http.StatusBadRequest, ErrCodeUnknownEntity, err.Error())
		return
	}
	op, err := domain.ParseOperation(in.Operation)
	if err != nil {
		intakeTotal.WithLabelValues("", "rejected").Inc()
		fail(c, http.StatusBadRequest, ErrCodeUnknownOp, err.Error())
		return
	}
	if in.Payload.Version < 1 {
		intakeTotal.WithLabelValues("", "rejected").Inc()
		fail(c, http.StatusBadRequest, ErrCodeUnsupportedVer, "payload.version must be >= 1")
		return
	}
	if len(in.Payload.Data) == 0 {
		intakeTotal.WithLabelValues("", "rejected").Inc()
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payload.data is required")
		return
	}

	id, fromBody := resolveRequestID(c, in.RequestID)
	req := &domain.MutationRequest{
		RequestID:  id,
		EntityType: et,
		Operation:  op,
		Payload:    in.Payload,
		EnqueuedAt: h.now().UTC(),
	}

	if (middleware.IsReplay(c) || fromBody) && h.known(c, req) {
		return
	}

	ctx := c.Request.Context()
	if err := h.intake.Enqueue(ctx, req); err != nil {
		if errors.Is(err, queue.ErrDeadLettered) {
			intakeTotal.WithLabelValues(req.Queue(), "replay").Inc()
			ok(c, http.StatusOK, SubmitMutationResponse{RequestID: req.RequestID, Queue: req.Queue(), Status: queue.StatusDeadLettered})
			return
		}
		intakeTotal.WithLabelValues(req.Queue(), "error").Inc()
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, "could not enqueue request")
		return
	}

	intakeTotal.WithLabelValues(req.Queue(), "accepted").Inc()
	middleware.LoggerFrom(c).Info().
		Str("mutation_id", req.RequestID).
		Str("queue", req.Queue()).
		Msg("mutation accepted")

	ok(c, http.StatusAccepted, SubmitMutationResponse{
		RequestID: req.RequestID,
		Queue:     req.Queue(),
		Status:    queue.StatusPending,
	})
}

// known answers a resubmission with the current status instead of enqueueing
// the request a second time. It returns false, writing nothing, when the
// request is no longer in any store.
func (h *Handlers) known(c *gin.Context, req *domain.MutationRequest) bool {
	st, err := h.intake.Lookup(c.Request.Context(), req.RequestID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatusFailed, "could not read request status")
		return true
	}
	if st.Status == queue.StatusUnknown {
		return false
	}
	intakeTotal.WithLabelValues(req.Queue(), "replay").Inc()
	ok(c, http.StatusOK, SubmitMutationResponse{RequestID: req.RequestID, Queue: st.Queue, Status: st.Status})
	return true
}

// GetMutation godoc
// @Summary      Request status
// @Tags         mutations
// @Produce      json
// @Param        id   path      string  true  "Request id"
// @Success      200  {object}  queue.RequestStatus
// @Router       /mutations/{id} [get]
func (h *Handlers) GetMutation(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "request id is required")
		return
	}
	st, err := h.intake.Lookup(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatusFailed, "could not read request status")
		return
	}
	ok(c, http.StatusOK, st)
}
