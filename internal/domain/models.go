// Package domain defines the persistence models for the work queues, the
// dead-letter queue, the event bus log and the entity tables. These types are
// mapped with GORM and form the durable layer of the pipeline.
package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// QueueMessage is one pending mutation request owned by a work queue.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Queue: owning queue name ("restaurant.create", ...); indexed with VisibleAt
//     so claims scan only eligible rows.
//   - RequestID: client-supplied idempotency key, unique across queues.
//   - VisibleAt: earliest time the row may be handed to a worker (backoff or
//     an active visibility lease).
//   - Receipt: lease token of the worker currently holding the row, empty when idle.
//   - Attempt: number of failed processing attempts so far.
//   - ReceiveCount: number of times the row was handed out (includes lease expiries).
type QueueMessage struct {
	ID            string         `json:"id"             gorm:"type:char(36);primaryKey"`
	Queue         string         `json:"queue"          gorm:"type:varchar(64);not null;index:idx_queue_visible,priority:1"`
	RequestID     string         `json:"request_id"     gorm:"type:varchar(200);not null;uniqueIndex:ux_queue_request"`
	EntityType    EntityType     `json:"entity_type"    gorm:"type:varchar(32);not null"`
	Operation     Operation      `json:"operation"      gorm:"type:varchar(16);not null"`
	SchemaVersion int            `json:"schema_version" gorm:"not null"`
	Payload       datatypes.JSON `json:"payload"`
	Attempt       int            `json:"attempt"        gorm:"not null;default:0"`
	ReceiveCount  int            `json:"receive_count"  gorm:"not null;default:0"`
	VisibleAt     time.Time      `json:"visible_at"     gorm:"not null;index:idx_queue_visible,priority:2"`
	Receipt       string         `json:"-"              gorm:"type:varchar(36);index"`
	LastError     string         `json:"last_error,omitempty" gorm:"type:text"`
	EnqueuedAt    time.Time      `json:"enqueued_at"    gorm:"not null"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName returns the database table name for QueueMessage.
func (QueueMessage) TableName() string { return "queue_messages" }

// Request converts the row back into the MutationRequest it carries.
func (m QueueMessage) Request() MutationRequest {
	return MutationRequest{
		RequestID:  m.RequestID,
		EntityType: m.EntityType,
		Operation:  m.Operation,
		Payload:    VersionedPayload{Version: m.SchemaVersion, Data: json.RawMessage(m.Payload)},
		EnqueuedAt: m.EnqueuedAt,
		Attempt:    m.Attempt,
	}
}

// DeadLetter is a request that failed validation or exhausted its retry
// budget. It keeps everything needed to diagnose and redrive it.
type DeadLetter struct {
	ID            string         `json:"id"             gorm:"type:char(36);primaryKey"`
	Queue         string         `json:"queue"          gorm:"type:varchar(64);not null;index"`
	RequestID     string         `json:"request_id"     gorm:"type:varchar(200);not null;uniqueIndex:ux_dlq_request"`
	EntityType    EntityType     `json:"entity_type"    gorm:"type:varchar(32);not null"`
	Operation     Operation      `json:"operation"      gorm:"type:varchar(16);not null"`
	SchemaVersion int            `json:"schema_version" gorm:"not null"`
	Payload       datatypes.JSON `json:"payload"`
	FailureKind   FailureKind    `json:"failure_kind"   gorm:"type:varchar(32);not null"`
	LastError     string         `json:"last_error"     gorm:"type:text"`
	Attempts      int            `json:"attempts"       gorm:"not null"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	FailedAt      time.Time      `json:"failed_at"      gorm:"not null;index"`
}

// TableName returns the database table name for DeadLetter.
func (DeadLetter) TableName() string { return "dead_letters" }

// Request converts the dead letter back into a fresh MutationRequest.
func (d DeadLetter) Request() MutationRequest {
	return MutationRequest{
		RequestID:  d.RequestID,
		EntityType: d.EntityType,
		Operation:  d.Operation,
		Payload:    VersionedPayload{Version: d.SchemaVersion, Data: json.RawMessage(d.Payload)},
		EnqueuedAt: d.EnqueuedAt,
	}
}

// EventRecord is the durable event bus log. A row exists for every event the
// bus acknowledged.
type EventRecord struct {
	EventID       string         `json:"event_id"       gorm:"type:char(36);primaryKey"`
	EntityType    EntityType     `json:"entity_type"    gorm:"type:varchar(32);not null;index"`
	Operation     Operation      `json:"operation"      gorm:"type:varchar(16);not null"`
	EntityID      string         `json:"entity_id"      gorm:"type:varchar(64);not null;index"`
	SchemaVersion int            `json:"schema_version" gorm:"not null"`
	Payload       datatypes.JSON `json:"payload"`
	CausationID   string         `json:"causation_id"   gorm:"type:varchar(200);not null;index"`
	OccurredAt    time.Time      `json:"occurred_at"    gorm:"not null"`
	CreatedAt     time.Time      `json:"created_at"`

	Deliveries []Delivery `json:"-" gorm:"foreignKey:EventID;references:EventID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for EventRecord.
func (EventRecord) TableName() string { return "events" }

// Event converts the record into the immutable DomainEvent it stores.
func (r EventRecord) Event() DomainEvent {
	return DomainEvent{
		EventID:     r.EventID,
		EntityType:  r.EntityType,
		Operation:   r.Operation,
		EntityID:    r.EntityID,
		Payload:     VersionedPayload{Version: r.SchemaVersion, Data: json.RawMessage(r.Payload)},
		CausationID: r.CausationID,
		OccurredAt:  r.OccurredAt,
	}
}

// DeliveryStatus is the state of one event→subscriber delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryDead      DeliveryStatus = "dead"
)

// Delivery tracks fan-out of one event to one subscriber. Rows are independent
// per subscriber, so a failing subscriber only ever touches its own rows.
type Delivery struct {
	ID          string         `json:"id"          gorm:"type:char(36);primaryKey"`
	EventID     string         `json:"event_id"    gorm:"type:char(36);not null;uniqueIndex:ux_delivery_event_sub,priority:1"`
	Subscriber  string         `json:"subscriber"  gorm:"type:varchar(64);not null;uniqueIndex:ux_delivery_event_sub,priority:2;index:idx_delivery_due,priority:1"`
	Status      DeliveryStatus `json:"status"      gorm:"type:varchar(16);not null;index:idx_delivery_due,priority:2"`
	Attempt     int            `json:"attempt"     gorm:"not null;default:0"`
	NextAttempt time.Time      `json:"next_attempt" gorm:"not null;index:idx_delivery_due,priority:3"`
	LastError   string         `json:"last_error,omitempty" gorm:"type:text"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Event is filled by repo.DueDeliveries; it is not a column.
	Event EventRecord `json:"-" gorm:"-"`
}

// TableName returns the database table name for Delivery.
func (Delivery) TableName() string { return "deliveries" }

// Restaurant is the restaurant entity table.
type Restaurant struct {
	ID         string         `json:"id"          gorm:"type:char(36);primaryKey"`
	Name       string         `json:"name"        gorm:"type:varchar(255);not null"`
	Cuisine    string         `json:"cuisine"     gorm:"type:varchar(64)"`
	City       string         `json:"city"        gorm:"type:varchar(128);index"`
	Address    string         `json:"address"     gorm:"type:varchar(255)"`
	PriceLevel int            `json:"price_level" gorm:"not null;default:0"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-"           gorm:"index"`
}

// TableName returns the database table name for Restaurant.
func (Restaurant) TableName() string { return "restaurants" }

// Review is a user's rating of a restaurant.
type Review struct {
	ID           string         `json:"id"            gorm:"type:char(36);primaryKey"`
	RestaurantID string         `json:"restaurant_id" gorm:"type:char(36);not null;index"`
	UserID       string         `json:"user_id"       gorm:"type:varchar(64);not null;index"`
	Rating       int            `json:"rating"        gorm:"not null;check:rating BETWEEN 1 AND 5"`
	Body         string         `json:"body"          gorm:"type:text"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-"             gorm:"index"`
}

// TableName returns the database table name for Review.
func (Review) TableName() string { return "reviews" }

// UserAccount is a registered user.
type UserAccount struct {
	ID          string         `json:"id"           gorm:"type:char(36);primaryKey"`
	Email       string         `json:"email"        gorm:"type:varchar(255);not null;uniqueIndex"`
	DisplayName string         `json:"display_name" gorm:"type:varchar(128);not null"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-"            gorm:"index"`
}

// TableName returns the database table name for UserAccount.
func (UserAccount) TableName() string { return "user_accounts" }
