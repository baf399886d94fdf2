package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-event-pipeline/internal/bus"
	"github.com/tbourn/go-event-pipeline/internal/domain"
)

func testEvent() domain.DomainEvent {
	return domain.DomainEvent{
		EventID:     domain.EventIDFor("r1"),
		EntityType:  domain.EntityRestaurant,
		Operation:   domain.OpCreate,
		EntityID:    "rest-1",
		Payload:     domain.VersionedPayload{Version: 1, Data: json.RawMessage(`{"name":"Cafe A"}`)},
		CausationID: "r1",
		OccurredAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWebhookSink_AcksOn2xx(t *testing.T) {
	var got domain.DomainEvent
	var key, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSink("search", srv.URL, map[string]string{"Authorization": "Bearer t"}, srv.Client())
	require.NoError(t, s.Deliver(context.Background(), testEvent()))
	assert.Equal(t, domain.EventIDFor("r1"), key)
	assert.Equal(t, "Bearer t", auth)
	assert.Equal(t, "rest-1", got.EntityID)
	assert.JSONEq(t, `{"name":"Cafe A"}`, string(got.Payload.Data))
}

func TestWebhookSink_NacksOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewWebhookSink("search", srv.URL, nil, nil)
	err := s.Deliver(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_KeysByEntity(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSink("analytics", w)
	require.NoError(t, s.Deliver(context.Background(), testEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "rest-1", string(w.msgs[0].Key))
	assert.Equal(t, "event_id", w.msgs[0].Headers[0].Key)

	w.err = errors.New("broker unavailable")
	require.ErrorContains(t, s.Deliver(context.Background(), testEvent()), "broker unavailable")
	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestLogSink_Acks(t *testing.T) {
	s := LogSink{ID: "audit"}
	assert.Equal(t, "audit", s.Name())
	require.NoError(t, s.Deliver(context.Background(), testEvent()))
	require.NoError(t, s.Deliver(context.Background(), domain.DomainEvent{}))
}

func TestWire_SubscribesEveryRoute(t *testing.T) {
	routes, err := bus.ParseRoutes([]byte(`
subscribers:
  - name: audit
    patterns: [{}]
  - name: analytics
    kind: kafka
    topic: pipeline.events
    patterns:
      - entity_type: review
  - name: search
    kind: webhook
    url: http://search.invalid/hooks
    patterns:
      - entity_type: restaurant
`))
	require.NoError(t, err)

	w := &fakeWriter{}
	b := bus.New(nil, nil)
	closer, err := Wire(b, routes, Deps{NewKafkaWriter: func([]string, string) MessageWriter { return w }})
	require.NoError(t, err)

	evt := testEvent()
	assert.Equal(t, []string{"audit", "search"}, b.Route(evt))
	evt.EntityType = domain.EntityReview
	assert.Equal(t, []string{"analytics", "audit"}, b.Route(evt))

	require.NoError(t, closer.Close())
	assert.True(t, w.closed)
}

func TestBuild_KafkaNeedsBrokers(t *testing.T) {
	_, err := Build(bus.Route{Name: "analytics", Kind: bus.KindKafka, Topic: "t"}, Deps{})
	require.Error(t, err)
	_, err = Build(bus.Route{Name: "x", Kind: "carrier-pigeon"}, Deps{})
	require.Error(t, err)
}
