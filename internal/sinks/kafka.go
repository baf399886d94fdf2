package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous, hash-balanced writer so every event
// of one entity lands on the same partition.
func NewKafkaWriter(brokers []string, topic string) MessageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// KafkaSink produces each event to a topic keyed by entity id.
type KafkaSink struct {
	name string
	w    MessageWriter
}

// NewKafkaSink wraps w.
func NewKafkaSink(name string, w MessageWriter) *KafkaSink {
	return &KafkaSink{name: name, w: w}
}

func (s *KafkaSink) Name() string { return s.name }

// Deliver writes evt and waits for the broker acknowledgement.
func (s *KafkaSink) Deliver(ctx context.Context, evt domain.DomainEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.EntityID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.EventID)},
			{Key: "event_type", Value: []byte(string(evt.EntityType) + "." + string(evt.Operation))},
			{Key: "causation_id", Value: []byte(evt.CausationID)},
		},
		Time: evt.OccurredAt,
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka %s: %w", s.name, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error { return s.w.Close() }
