// Package services – UserAccountHandler
//
// Payload schema v1:
//
//	create: {id?, email, display_name}
//	update: {id, email?, display_name?}
//	delete: {id}
//
// Emails are stored lowercased and must be unique.
package services

import (
	"context"
	"errors"
	"strings"

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

type userCreate struct {
	ID          string `json:"id"           validate:"omitempty,max=64"`
	Email       string `json:"email"        validate:"required,email,max=255"`
	DisplayName string `json:"display_name" validate:"required,max=128"`
}

type userUpdate struct {
	ID          string  `json:"id"           validate:"max=64"`
	Email       *string `json:"email"        validate:"omitempty,email,max=255"`
	DisplayName *string `json:"display_name" validate:"omitempty,min=1,max=128"`
}

// UserAccountHandler applies user account mutations.
type UserAccountHandler struct{}

// Validate checks a user account payload for op.
func (h *UserAccountHandler) Validate(op domain.Operation, p domain.VersionedPayload) error {
	switch op {
	case domain.OpCreate:
		_, err := decode[userCreate](p)
		return err
	case domain.OpUpdate:
		u, err := decode[userUpdate](p)
		if err != nil {
			return err
		}
		if err := requireID(u.ID); err != nil {
			return err
		}
		if u.Email == nil && u.DisplayName == nil {
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

// Apply creates, updates or soft-deletes a user account inside tx.
func (h *UserAccountHandler) Apply(ctx context.Context, tx *gorm.DB, op domain.Operation, p domain.VersionedPayload) (res Result, err error) {
	tr := otel.Tracer("services/UserAccountHandler")
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
		c, _ := decode[userCreate](p)
		u := &domain.UserAccount{
			ID:          c.ID,
			Email:       strings.ToLower(strings.TrimSpace(c.Email)),
			DisplayName: strings.TrimSpace(c.DisplayName),
		}
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		if err := repo.CreateUserAccount(ctx, tx, u); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return Result{}, invalid(ErrEntityExists, "user account %s or email %s", u.ID, u.Email)
			}
			return Result{}, err
		}
		return h.result(ctx, tx, u.ID)

	case domain.OpUpdate:
		upd, _ := decode[userUpdate](p)
		f := map[string]any{}
		if upd.Email != nil {
			f["email"] = strings.ToLower(strings.TrimSpace(*upd.Email))
		}
		if upd.DisplayName != nil {
			f["display_name"] = strings.TrimSpace(*upd.DisplayName)
		}
		if err := repo.UpdateUserAccount(ctx, tx, upd.ID, f); err != nil {
			switch {
			case errors.Is(err, repo.ErrNotFound):
				return Result{}, ErrEntityNotFound
			case errors.Is(err, repo.ErrDuplicate):
				return Result{}, invalid(ErrEntityExists, "email already in use")
			}
			return Result{}, err
		}
		return h.result(ctx, tx, upd.ID)

	default:
		ref, _ := decode[entityRef](p)
		if err := repo.DeleteUserAccount(ctx, tx, ref.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Result{}, ErrEntityNotFound
			}
			return Result{}, err
		}
		return Result{EntityID: ref.ID, Snapshot: deletedSnapshot(ref.ID)}, nil
	}
}

func (h *UserAccountHandler) result(ctx context.Context, tx *gorm.DB, id string) (Result, error) {
	u, err := repo.GetUserAccount(ctx, tx, id)
	if err != nil {
		return Result{}, err
	}
	snap, err := snapshot(u)
	if err != nil {
		return Result{}, err
	}
	return Result{EntityID: id, Snapshot: snap}, nil
}
