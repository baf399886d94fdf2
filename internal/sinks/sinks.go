// Package sinks contains the subscriber adapters events are delivered to:
// a zerolog tap, an HTTP webhook and a Kafka producer.
package sinks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-event-pipeline/internal/bus"
	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// LogSink writes every event it receives to the global logger.
type LogSink struct {
	ID string
}

func (s LogSink) Name() string { return s.ID }

// Deliver logs evt and always acknowledges.
func (s LogSink) Deliver(_ context.Context, evt domain.DomainEvent) error {
	log.Info().
		Str("subscriber", s.ID).
		Str("event_id", evt.EventID).
		Str("entity_type", string(evt.EntityType)).
		Str("operation", string(evt.Operation)).
		Str("entity_id", evt.EntityID).
		Str("causation_id", evt.CausationID).
		Int("schema_version", evt.Payload.Version).
		RawJSON("payload", payloadOrNull(evt.Payload.Data)).
		Msg("event")
	return nil
}

func payloadOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

// Deps are the shared clients adapters are built with.
type Deps struct {
	HTTPClient   *http.Client
	KafkaBrokers []string
	// NewKafkaWriter overrides writer construction (tests).
	NewKafkaWriter func(brokers []string, topic string) MessageWriter
}

// Build constructs the adapter described by r.
func Build(r bus.Route, deps Deps) (bus.Subscriber, error) {
	switch r.Kind {
	case bus.KindLog, "":
		return LogSink{ID: r.Name}, nil
	case bus.KindWebhook:
		return NewWebhookSink(r.Name, r.URL, r.Headers, deps.HTTPClient), nil
	case bus.KindKafka:
		newWriter := deps.NewKafkaWriter
		if newWriter == nil {
			if len(deps.KafkaBrokers) == 0 {
				return nil, fmt.Errorf("sink %s: no kafka brokers configured", r.Name)
			}
			newWriter = NewKafkaWriter
		}
		return NewKafkaSink(r.Name, newWriter(deps.KafkaBrokers, r.Topic)), nil
	}
	return nil, fmt.Errorf("sink %s: unknown kind %q", r.Name, r.Kind)
}

// Wire builds every route's adapter and subscribes it to b. The returned
// closer releases adapter resources (Kafka writers).
func Wire(b *bus.Bus, routes bus.Routes, deps Deps) (io.Closer, error) {
	var closers closeAll
	for _, r := range routes.Subscribers {
		s, err := Build(r, deps)
		if err != nil {
			_ = closers.Close()
			return nil, err
		}
		for _, p := range r.Patterns {
			b.Subscribe(p, s)
		}
		if c, ok := s.(io.Closer); ok {
			closers = append(closers, c)
		}
		log.Info().Str("subscriber", r.Name).Str("kind", r.Kind).Int("patterns", len(r.Patterns)).Msg("subscriber wired")
	}
	return closers, nil
}

type closeAll []io.Closer

func (c closeAll) Close() error {
	var errs []error
	for _, x := range c {
		if err := x.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
