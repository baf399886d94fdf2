// Package services – RestaurantHandler
//
// Payload schema v1:
//
//	create: {id?, name, cuisine?, city?, address?, price_level?}
//	update: {id, name?, cuisine?, city?, address?, price_level?}
//	delete: {id}
//
// price_level ranges over 0..4.
package services

import (
	"context"
	"errors"

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

type restaurantCreate struct {
	ID         string `json:"id"          validate:"omitempty,max=64"`
	Name       string `json:"name"        validate:"required,max=255"`
	Cuisine    string `json:"cuisine"     validate:"max=64"`
	City       string `json:"city"        validate:"max=128"`
	Address    string `json:"address"     validate:"max=255"`
	PriceLevel int    `json:"price_level" validate:"min=0,max=4"`
}

type restaurantUpdate struct {
	ID         string  `json:"id"          validate:"max=64"`
	Name       *string `json:"name"        validate:"omitempty,min=1,max=255"`
	Cuisine    *string `json:"cuisine"     validate:"omitempty,max=64"`
	City       *string `json:"city"        validate:"omitempty,max=128"`
	Address    *string `json:"address"     validate:"omitempty,max=255"`
	PriceLevel *int    `json:"price_level" validate:"omitempty,min=0,max=4"`
}

func (u *restaurantUpdate) fields() map[string]any {
	f := map[string]any{}
	if u.Name != nil {
		f["name"] = *u.Name
	}
	if u.Cuisine != nil {
		f["cuisine"] = *u.Cuisine
	}
	if u.City != nil {
		f["city"] = *u.City
	}
	if u.Address != nil {
		f["address"] = *u.Address
	}
	if u.PriceLevel != nil {
		f["price_level"] = *u.PriceLevel
	}
	return f
}

// RestaurantHandler applies restaurant mutations.
type RestaurantHandler struct{}

// Validate checks a restaurant payload for op.
func (h *RestaurantHandler) Validate(op domain.Operation, p domain.VersionedPayload) error {
	switch op {
	case domain.OpCreate:
		_, err := decode[restaurantCreate](p)
		return err
	case domain.OpUpdate:
		u, err := decode[restaurantUpdate](p)
		if err != nil {
			return err
		}
		if err := requireID(u.ID); err != nil {
			return err
		}
		if len(u.fields()) == 0 {
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

// Apply creates, updates or soft-deletes a restaurant inside tx.
func (h *RestaurantHandler) Apply(ctx context.Context, tx *gorm.DB, op domain.Operation, p domain.VersionedPayload) (res Result, err error) {
	tr := otel.Tracer("services/RestaurantHandler")
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
		c, _ := decode[restaurantCreate](p)
		r := &domain.Restaurant{
			ID:         c.ID,
			Name:       c.Name,
			Cuisine:    c.Cuisine,
			City:       c.City,
			Address:    c.Address,
			PriceLevel: c.PriceLevel,
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if err := repo.CreateRestaurant(ctx, tx, r); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return Result{}, invalid(ErrEntityExists, "restaurant %s", r.ID)
			}
			return Result{}, err
		}
		return h.result(ctx, tx, r.ID)

	case domain.OpUpdate:
		u, _ := decode[restaurantUpdate](p)
		if err := repo.UpdateRestaurant(ctx, tx, u.ID, u.fields()); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Result{}, ErrEntityNotFound
			}
			return Result{}, err
		}
		return h.result(ctx, tx, u.ID)

	default:
		ref, _ := decode[entityRef](p)
		if err := repo.DeleteRestaurant(ctx, tx, ref.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Result{}, ErrEntityNotFound
			}
			return Result{}, err
		}
		span.SetAttributes(attribute.String("entity.id", ref.ID))
		return Result{EntityID: ref.ID, Snapshot: deletedSnapshot(ref.ID)}, nil
	}
}

func (h *RestaurantHandler) result(ctx context.Context, tx *gorm.DB, id string) (Result, error) {
	r, err := repo.GetRestaurant(ctx, tx, id)
	if err != nil {
		return Result{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("entity.id", id))
	snap, err := snapshot(r)
	if err != nil {
		return Result{}, err
	}
	return Result{EntityID: id, Snapshot: snap}, nil
}
