// Package services defines the entity handlers that apply mutation requests
// to the relational store. This file centralizes the service-level error
// values so the pipeline can classify failures and the HTTP layer can map
// them to status codes.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload marks a request that can never succeed as written:
	// malformed JSON, a failed field rule, an unsupported schema version or a
	// missing entity id. Every permanent rejection wraps it.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnsupportedVersion is returned for schema versions no handler knows.
	ErrUnsupportedVersion = errors.New("unsupported payload version")

	// ErrMissingID is returned when update/delete does not name an entity.
	ErrMissingID = errors.New("entity id is required")

	// ErrUnknownEntity is returned when no handler is registered for an
	// entity type.
	ErrUnknownEntity = errors.New("no handler for entity type")

	// ErrEntityExists is returned when a create names an id (or unique key)
	// that is already taken.
	ErrEntityExists = errors.New("entity already exists")

	// ErrEntityNotFound is returned when an update, delete or reference
	// targets an entity that does not exist yet. It is transient: the create
	// may still be queued behind this request.
	ErrEntityNotFound = errors.New("entity not found")
)

// invalid wraps a permanent rejection with ErrInvalidPayload.
func invalid(cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		return fmt.Errorf("%w: %w: %s", ErrInvalidPayload, cause, msg)
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, msg)
}

// IsInvalid reports whether err is a permanent payload rejection.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidPayload) }
