// Package services – entity dispatch
//
// This file defines the EntityHandler contract and the Registry that maps
// each entity type onto its handler. The pipeline never switches on entity
// types itself; it asks the Registry to validate and apply a request.
//
// Observability: Apply is OpenTelemetry-instrumented per handler.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// SchemaV1 is the only payload schema version the handlers accept today.
const SchemaV1 = 1

// Result is what a successful Apply produced: the id of the touched entity
// and the snapshot carried by the domain event.
type Result struct {
	EntityID string
	Snapshot domain.VersionedPayload
}

// EntityHandler validates and applies mutations for one entity type.
//
// Validate is pure and only inspects the payload. Apply runs inside the
// caller's transaction tx and must perform every write through it.
type EntityHandler interface {
	Validate(op domain.Operation, p domain.VersionedPayload) error
	Apply(ctx context.Context, tx *gorm.DB, op domain.Operation, p domain.VersionedPayload) (Result, error)
}

// Registry is the closed dispatch table of entity handlers.
type Registry map[domain.EntityType]EntityHandler

// NewRegistry returns the handlers for every entity type.
func NewRegistry() Registry {
	return Registry{
		domain.EntityRestaurant:  &RestaurantHandler{},
		domain.EntityReview:      &ReviewHandler{},
		domain.EntityUserAccount: &UserAccountHandler{},
	}
}

func (r Registry) handler(e domain.EntityType) (EntityHandler, error) {
	h, ok := r[e]
	if !ok {
		return nil, invalid(ErrUnknownEntity, "%q", e)
	}
	return h, nil
}

// Validate checks a request without touching storage.
func (r Registry) Validate(req domain.MutationRequest) error {
	if !req.Operation.Valid() {
		return invalid(domain.ErrUnknownOperation, "%q", req.Operation)
	}
	h, err := r.handler(req.EntityType)
	if err != nil {
		return err
	}
	return h.Validate(req.Operation, req.Payload)
}

// Apply performs the mutation inside tx.
func (r Registry) Apply(ctx context.Context, tx *gorm.DB, req domain.MutationRequest) (Result, error) {
	h, err := r.handler(req.EntityType)
	if err != nil {
		return Result{}, err
	}
	return h.Apply(ctx, tx, req.Operation, req.Payload)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// decode checks the schema version, unmarshals the payload into T and runs
// the struct's validation rules.
func decode[T any](p domain.VersionedPayload) (*T, error) {
	if p.Version < 1 {
		return nil, invalid(nil, "schema version must be >= 1, got %d", p.Version)
	}
	if p.Version != SchemaV1 {
		return nil, invalid(ErrUnsupportedVersion, "version %d", p.Version)
	}
	if len(p.Data) == 0 {
		return nil, invalid(nil, "empty payload")
	}
	var v T
	if err := json.Unmarshal(p.Data, &v); err != nil {
		return nil, invalid(nil, "malformed json: %v", err)
	}
	if err := validate.Struct(&v); err != nil {
		return nil, invalid(nil, "%s", describe(err))
	}
	return &v, nil
}

// describe flattens validator errors into "field: rule" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}

// entityRef is the delete payload shared by every entity.
type entityRef struct {
	ID string `json:"id" validate:"max=64"`
}

// requireID rejects update/delete payloads that do not name an entity.
func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid(ErrMissingID, "update and delete must carry an id")
	}
	return nil
}

// snapshot encodes v as a version 1 event payload.
func snapshot(v any) (domain.VersionedPayload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return domain.VersionedPayload{}, err
	}
	return domain.VersionedPayload{Version: SchemaV1, Data: b}, nil
}

// deletedSnapshot is the event payload of a delete.
func deletedSnapshot(id string) domain.VersionedPayload {
	b, _ := json.Marshal(map[string]any{"id": id, "deleted": true})
	return domain.VersionedPayload{Version: SchemaV1, Data: b}
}
