// Package domain defines the value types that travel through the write/event
// pipeline (mutation requests, domain events, retry state) together with the
// GORM models that persist them.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// EntityType is the closed set of core entities the pipeline mutates.
type EntityType string

const (
	EntityRestaurant  EntityType = "restaurant"
	EntityReview      EntityType = "review"
	EntityUserAccount EntityType = "user_account"
)

// EntityTypes lists every entity type in dispatch order.
var EntityTypes = []EntityType{EntityRestaurant, EntityReview, EntityUserAccount}

// Operation is the closed set of mutation classes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Operations lists every operation in dispatch order.
var Operations = []Operation{OpCreate, OpUpdate, OpDelete}

var (
	// ErrUnknownEntityType is returned by ParseEntityType for unsupported names.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrUnknownOperation is returned by ParseOperation for unsupported names.
	ErrUnknownOperation = errors.New("unknown operation")
)

var folder = cases.Fold()

// fold lowercases s (Unicode-aware) and strips separators so "UserAccount",
// "user_account" and "user-account" normalize to the same key.
func fold(s string) string {
	s = folder.String(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

// ParseEntityType maps a user-supplied name onto an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch fold(s) {
	case "restaurant":
		return EntityRestaurant, nil
	case "review":
		return EntityReview, nil
	case "useraccount":
		return EntityUserAccount, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
}

// ParseOperation maps a user-supplied name onto an Operation.
func ParseOperation(s string) (Operation, error) {
	switch fold(s) {
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// Valid reports whether e is one of the declared entity types.
func (e EntityType) Valid() bool {
	return e == EntityRestaurant || e == EntityReview || e == EntityUserAccount
}

// Valid reports whether o is one of the declared operations.
func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// QueueName returns the work queue name for an entity/operation pair,
// e.g. "restaurant.create".
func QueueName(e EntityType, op Operation) string {
	return string(e) + "." + string(op)
}

// ParseQueueName splits a queue name produced by QueueName.
func ParseQueueName(name string) (EntityType, Operation, error) {
	e, op, ok := strings.Cut(name, ".")
	if !ok {
		return "", "", fmt.Errorf("malformed queue name %q", name)
	}
	et, err := ParseEntityType(e)
	if err != nil {
		return "", "", err
	}
	o, err := ParseOperation(op)
	if err != nil {
		return "", "", err
	}
	return et, o, nil
}

// VersionedPayload is a JSON document tagged with its schema version.
type VersionedPayload struct {
	Version int             `json:"version" example:"1"`
	Data    json.RawMessage `json:"data"`
}

// MutationRequest is a pending create/update/delete against one entity.
type MutationRequest struct {
	RequestID  string           `json:"request_id"`
	EntityType EntityType       `json:"entity_type"`
	Operation  Operation        `json:"operation"`
	Payload    VersionedPayload `json:"payload"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	Attempt    int              `json:"attempt"`
}

// Queue returns the name of the work queue that owns the request.
func (r MutationRequest) Queue() string { return QueueName(r.EntityType, r.Operation) }

// DomainEvent records a committed state change. It is immutable once
// published and carries the causing request id.
type DomainEvent struct {
	EventID     string           `json:"event_id"`
	EntityType  EntityType       `json:"entity_type"`
	Operation   Operation        `json:"operation"`
	EntityID    string           `json:"entity_id"`
	Payload     VersionedPayload `json:"payload"`
	CausationID string           `json:"causation_id"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

// RetryState is the redelivery bookkeeping attached to a queued request.
type RetryState struct {
	RequestID      string    `json:"request_id"`
	Attempt        int       `json:"attempt"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// eventNamespace scopes the name-based UUIDs produced by EventIDFor.
var eventNamespace = uuid.MustParse("6f1d3c52-5f0e-4b8e-9d39-0b1f0c7a9e11")

// EventIDFor derives the event id for a request. The id is deterministic so a
// re-publish after a crash reuses it and subscribers can deduplicate.
func EventIDFor(requestID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(requestID)).String()
}

// FailureKind tags why a message ended up in a dead-letter holding area.
type FailureKind string

const (
	FailureValidation          FailureKind = "validation"
	FailureRetryExhausted      FailureKind = "retry_exhausted"
	FailureSubscriberExhausted FailureKind = "subscriber_exhausted"
)
