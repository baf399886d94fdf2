// Package services – ReviewHandler
//
// Payload schema v1:
//
//	create: {id?, restaurant_id, user_id, rating, body?}
//	update: {id, rating?, body?}
//	delete: {id}
//
// A review may only reference a restaurant that exists. When it does not
// (yet), Apply returns ErrEntityNotFound so the request is retried; the
// restaurant's create may still be in flight on its own queue.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type reviewCreate struct {
	ID           string `json:"id"            validate:"omitempty,max=64"`
	RestaurantID string `json:"restaurant_id" validate:"required,max=64"`
	UserID       string `json:"user_id"       validate:"required,max=64"`
	Rating       int    `json:"rating"        validate:"required,min=1,max=5"`
	Body         string `json:"body"          validate:"max=4000"`
}

type reviewUpdate struct {
	ID     string  `json:"id"     validate:"max=64"`
	Rating *int    `json:"rating" validate:"omitempty,min=1,max=5"`
	Body   *string `json:"body"   validate:"omitempty,max=4000"`
}

// ReviewHandler applies review mutations.
type ReviewHandler struct{}

// Validate checks a review payload for op.
func (h *ReviewHandler) Validate(op domain.Operation, p domain.VersionedPayload) error {
	switch op {
	case domain.OpCreate:
		_, err := decode[reviewCreate](p)
		return err
	case domain.OpUpdate:
		u, err := decode[reviewUpdate](p)
		if err != nil {
			return err
		}
		if err := requireID(u.ID); err != nil {
			return err
		}
		if u.Rating == nil && u.Body == nil {
			return invalid(nil, "update carries no fields")
		}
		return nil
	case domain.OpDelete:
		ref, err := decode[entityRef](p)
		if err != nil {
			return err
		}
		return requireID(ref.ID)
	}
	return invalid(domain.ErrUnknownOperation, "%q", op)
}

// Apply creates, updates or soft-deletes a review inside tx.
func (h *ReviewHandler) Apply(ctx context.Context, tx *gorm.DB, op domain.Operation, p domain.VersionedPayload) (res Result, err error) {
	tr := otel.Tracer("services/ReviewHandler")
	ctx, span := tr.Start(ctx, "Apply",
		trace.WithAttributes(attribute.String("mutation.operation", string(op))),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := h.Validate(op, p); err != nil {
		return Result{}, err
	}

	switch op {
	case domain.OpCreate:
		c, _ := decode[reviewCreate](p)
		if _, err := repo.GetRestaurant(ctx, tx, c.RestaurantID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Result{}, fmt.Errorf("restaurant %s: %w", c.RestaurantID, ErrEntityNotFound)
			}
			return Result{}, err
		}
		rv := &domain.Review{
			ID:           c.ID,
			RestaurantID: c.RestaurantID,
			UserID:       c.UserID,
			Rating:       c.Rating,
			Body:         c.Body,
		}
		if rv.ID == "" {
			rv.ID = uuid.NewString()
		}
		if err := repo.CreateReview(ctx, tx, rv); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return Result{}, invalid(ErrEntityExists, "review %s", rv.ID)
			}
			return Result{}, err
		}
		return h.result(ctx, tx, rv.ID)

	case domain.OpUpdate:
		u, _ := decode[reviewUpdate](p)
		f := map[string]any{}
		if u.Rating != nil {
			f["rating"] = *u.Rating
		}
		if u.Body != nil {
			f["body"] = *u.Body
		}
		if err := repo.UpdateReview(ctx, tx, u.ID, f); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Result{}, ErrEntityNotFound
			}
			return Result{}, err
		}
		return h.result(ctx, tx, u.ID)

	default:
		ref, _ := decode[entityRef](p)
		if err := repo.DeleteReview(ctx, tx, ref.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Result{}, ErrEntityNotFound
			}
			return Result{}, err
		}
		return Result{EntityID: ref.ID, Snapshot: deletedSnapshot(ref.ID)}, nil
	}
}

func (h *ReviewHandler) result(ctx context.Context, tx *gorm.DB, id string) (Result, error) {
	rv, err := repo.GetReview(ctx, tx, id)
	if err != nil {
		return Result{}, err
	}
	snap, err := snapshot(rv)
	if err != nil {
		return Result{}, err
	}
	return Result{EntityID: id, Snapshot: snap}, nil
}
