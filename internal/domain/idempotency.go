// Package domain defines the persistence model of the idempotency ledger.
package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// IdempotencyRecord marks a request whose mutation has been committed. It is
// written in the same transaction as the mutation, so its presence proves the
// side effect happened. PublishedAt is set once the resulting event has been
// accepted by the event bus; a record with a nil PublishedAt means the event
// still has to be (re)published, from EventPayload, without re-applying.
type IdempotencyRecord struct {
	RequestID      string         `gorm:"type:varchar(200);primaryKey"`
	EntityType     EntityType     `gorm:"type:varchar(32);not null"`
	Operation      Operation      `gorm:"type:varchar(16);not null"`
	EntityID       string         `gorm:"type:varchar(64);not null"`
	EventID        string         `gorm:"type:char(36);not null"`
	EventPayload   datatypes.JSON // entity snapshot carried by the event
	PayloadVersion int            `gorm:"not null;default:1"`
	Attempt        int            `gorm:"not null;default:0"` // failed attempts before the successful one
	ProcessedAt    time.Time      `gorm:"not null"`
	PublishedAt    *time.Time
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Published reports whether the event for this request reached the bus.
func (r *IdempotencyRecord) Published() bool { return r != nil && r.PublishedAt != nil }

// Event rebuilds the domain event the record's mutation produced.
func (r *IdempotencyRecord) Event() DomainEvent {
	return DomainEvent{
		EventID:     r.EventID,
		EntityType:  r.EntityType,
		Operation:   r.Operation,
		EntityID:    r.EntityID,
		Payload:     VersionedPayload{Version: r.PayloadVersion, Data: json.RawMessage(r.EventPayload)},
		CausationID: r.RequestID,
		OccurredAt:  r.ProcessedAt,
	}
}
