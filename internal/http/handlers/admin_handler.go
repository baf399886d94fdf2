// Package handlers exposes the HTTP endpoints of the pipeline.
//
// This file provides the operator endpoints: queue depths and the
// dead-letter queue.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/http/middleware"
	"github.com/tbourn/go-event-pipeline/internal/repo"
	"github.com/tbourn/go-event-pipeline/internal/utils"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// QueueView is one row of GET /queues.
type QueueView struct {
	repo.QueueStats
	Depth int64 `json:"depth"`
}

// ListQueuesResponse wraps the per-queue statistics.
type ListQueuesResponse struct {
	Queues []QueueView `json:"queues"`
}

// DeadLetterView is the JSON form of a dead letter.
type DeadLetterView struct {
	ID          string                  `json:"id"`
	Queue       string                  `json:"queue"`
	RequestID   string                  `json:"request_id"`
	EntityType  domain.EntityType       `json:"entity_type"`
	Operation   domain.Operation        `json:"operation"`
	Payload     domain.VersionedPayload `json:"payload"`
	Attempts    int                     `json:"attempts"`
	FailureKind domain.FailureKind      `json:"failure_kind"`
	LastError   string                  `json:"last_error"`
	FailedAt    time.Time               `json:"failed_at"`
}

func deadLetterView(d domain.DeadLetter) DeadLetterView {
	req := d.Request()
	return DeadLetterView{
		ID:          d.ID,
		Queue:       d.Queue,
		RequestID:   d.RequestID,
		EntityType:  d.EntityType,
		Operation:   d.Operation,
		Payload:     req.Payload,
		Attempts:    d.Attempts,
		FailureKind: d.FailureKind,
		LastError:   d.LastError,
		FailedAt:    d.FailedAt.UTC(),
	}
}

// ListDeadLettersResponse wraps a page of dead letters.
type ListDeadLettersResponse struct {
	Items      []DeadLetterView `json:"items"`
	Pagination Pagination       `json:"pagination"`
}

// RedriveResponse reports the request put back into its work queue.
type RedriveResponse struct {
	RequestID string `json:"request_id"`
	Queue     string `json:"queue"`
}

// ListQueues godoc
// @Summary      Queue depths
// @Tags         admin
// @Produce      json
// @Success      200  {object}  ListQueuesResponse
// @Router       /queues [get]
func (h *Handlers) ListQueues(c *gin.Context) {
	stats, err := h.intake.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not read queue stats")
		return
	}
	out := ListQueuesResponse{Queues: make([]QueueView, 0, len(stats))}
	for _, s := range stats {
		out.Queues = append(out.Queues, QueueView{QueueStats: s, Depth: s.Depth()})
	}
	ok(c, http.StatusOK, out)
}

// ListDeadLetters godoc
// @Summary      List dead letters
// @Tags         admin
// @Produce      json
// @Param        queue  query  string  false  "Queue name, e.g. restaurant.create"
// @Param        page   query  int     false  "Page (1-based)"
// @Param        limit  query  int     false  "Page size (max 100)"
// @Success      200  {object}  ListDeadLettersResponse
// @Failure      400  {object}  ErrorResponse
// @Router       /dlq [get]
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	q := strings.TrimSpace(c.Query("queue"))
	if q != "" {
		if _, _, err := domain.ParseQueueName(q); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
	}
	p := utils.ParsePage(c.Query("page"), c.Query("limit"), defaultPageLimit, maxPageLimit)

	rows, total, err := h.dlq.List(c.Request.Context(), q, p.Offset, p.Limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list dead letters")
		return
	}
	items := make([]DeadLetterView, 0, len(rows))
	for _, d := range rows {
		items = append(items, deadLetterView(d))
	}
	ok(c, http.StatusOK, ListDeadLettersResponse{Items: items, Pagination: paginate(p.Page, p.Limit, total)})
}

// RedriveDeadLetter godoc
// @Summary      Redrive a dead letter
// @Description  Moves the request back to its work queue with attempt reset to 0.
// @Tags         admin
// @Produce      json
// @Param        id   path      string  true  "Dead letter id"
// @Success      200  {object}  RedriveResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Router       /dlq/{id}/redrive [post]
func (h *Handlers) RedriveDeadLetter(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	req, err := h.dlq.Redrive(c.Request.Context(), id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "dead letter not found")
		return
	case errors.Is(err, repo.ErrDuplicate):
		fail(c, http.StatusConflict, ErrCodeConflict, "request is already queued")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeRedriveFailed, "could not redrive dead letter")
		return
	}
	middleware.LoggerFrom(c).Info().
		Str("dead_letter_id", id).
		Str("mutation_id", req.RequestID).
		Str("queue", req.Queue()).
		Msg("dead letter redriven")
	ok(c, http.StatusOK, RedriveResponse{RequestID: req.RequestID, Queue: req.Queue()})
}
