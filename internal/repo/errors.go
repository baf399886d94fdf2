// Package repo implements the data persistence layer for the pipeline.
// This file centralizes the error values returned by repository functions.
package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	// It aliases gorm.ErrRecordNotFound for convenience and consistency
	// across the pipeline and handlers.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrDuplicate indicates that a row with the same unique key already exists.
	ErrDuplicate = errors.New("duplicate")

	// ErrLeaseLost is returned when a receipt token no longer owns its queue
	// row (the visibility window lapsed and another worker claimed it, or the
	// row was already acknowledged).
	ErrLeaseLost = errors.New("queue lease lost")

	// ErrDeadLettered is returned when a request id that already sits in
	// the dead-letter table is enqueued again. Only a redrive brings it back.
	ErrDeadLettered = errors.New("request is dead-lettered")
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// isUniqueViolation recognizes unique-key failures across drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// mapCreateErr converts a unique violation into ErrDuplicate.
func mapCreateErr(err error) error {
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}
