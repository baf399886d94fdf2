package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/http/middleware"
	"github.com/tbourn/go-event-pipeline/internal/queue"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

type fixture struct {
	db  *gorm.DB
	set *queue.Set
	dlq *queue.DeadLetters
	r   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "handlers.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	set := queue.NewSet(db, queue.Options{})
	dlq := queue.NewDeadLetters(db, queue.Options{})
	return &fixture{db: db, set: set, dlq: dlq, r: router(set, dlq, knownIn(set))}
}

func knownIn(set *queue.Set) middleware.KnownRequest {
	return func(ctx context.Context, id string) (bool, error) {
		st, err := set.Lookup(ctx, id)
		return st.Status != queue.StatusUnknown, err
	}
}

func router(intake Intake, dlq DeadLetterStore, known middleware.KnownRequest) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, known))
	h := New(intake, dlq)
	r.POST("/mutations", h.SubmitMutation)
	r.GET("/mutations/:id", h.GetMutation)
	r.GET("/queues", h.ListQueues)
	r.GET("/dlq", h.ListDeadLetters)
	r.POST("/dlq/:id/redrive", h.RedriveDeadLetter)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func cafeA() map[string]any {
	return map[string]any{
		"entity_type": "restaurant",
		"operation":   "create",
		"payload":     map[string]any{"version": 1, "data": map[string]any{"name": "Cafe A"}},
	}
}

func TestSubmitMutation_AcceptsAndReportsPending(t *testing.T) {
	f := newFixture(t)
	before := testutil.ToFloat64(intakeTotal.WithLabelValues("restaurant.create", "accepted"))

	w := do(t, f.r, http.MethodPost, "/mutations", cafeA(), map[string]string{middleware.HeaderIdempotencyKey: "r1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decode[SubmitMutationResponse](t, w)
	if resp.RequestID != "r1" || resp.Queue != "restaurant.create" || resp.Status != queue.StatusPending {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := testutil.ToFloat64(intakeTotal.WithLabelValues("restaurant.create", "accepted")); got != before+1 {
		t.Fatalf("accepted counter = %v, want %v", got, before+1)
	}

	w = do(t, f.r, http.MethodGet, "/mutations/r1", nil, nil)
	st := decode[queue.RequestStatus](t, w)
	if st.Status != queue.StatusPending || st.Attempt != 0 || st.Queue != "restaurant.create" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSubmitMutation_RequestIDSources(t *testing.T) {
	f := newFixture(t)

	body := cafeA()
	body["request_id"] = "from-body"
	w := do(t, f.r, http.MethodPost, "/mutations", body, nil)
	if got := decode[SubmitMutationResponse](t, w).RequestID; got != "from-body" {
		t.Fatalf("request id = %q, want from-body", got)
	}

	// header wins over body
	w = do(t, f.r, http.MethodPost, "/mutations", body, map[string]string{middleware.HeaderIdempotencyKey: "from-header"})
	if got := decode[SubmitMutationResponse](t, w).RequestID; got != "from-header" {
		t.Fatalf("request id = %q, want from-header", got)
	}

	// neither: generated
	w = do(t, f.r, http.MethodPost, "/mutations", cafeA(), nil)
	if got := decode[SubmitMutationResponse](t, w).RequestID; len(got) != 36 {
		t.Fatalf("expected generated uuid, got %q", got)
	}
}

func TestSubmitMutation_DuplicateIsNotQueuedTwice(t *testing.T) {
	f := newFixture(t)
	hdr := map[string]string{middleware.HeaderIdempotencyKey: "r-dup"}

	if w := do(t, f.r, http.MethodPost, "/mutations", cafeA(), hdr); w.Code != http.StatusAccepted {
		t.Fatalf("first submit status=%d", w.Code)
	}
	w := do(t, f.r, http.MethodPost, "/mutations", cafeA(), hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("resubmit status=%d body=%s", w.Code, w.Body.String())
	}
	if st := decode[SubmitMutationResponse](t, w).Status; st != queue.StatusPending {
		t.Fatalf("resubmit status = %q", st)
	}

	stats, err := f.set.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var total int64
	for _, s := range stats {
		total += s.Depth()
	}
	if total != 1 {
		t.Fatalf("queued %d copies, want 1", total)
	}
}

func TestSubmitMutation_BodyRequestIDIsCheckedBeforeEnqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// dead-lettered: stays in the DLQ and is reported as such
	deadLetter(t, f, "body-bad")
	bad := map[string]any{
		"request_id":  "body-bad",
		"entity_type": "review",
		"operation":   "create",
		"payload":     map[string]any{"version": 1, "data": map[string]any{"rating": 9}},
	}
	w := do(t, f.r, http.MethodPost, "/mutations", bad, nil)
	if w.Code != http.StatusOK || decode[SubmitMutationResponse](t, w).Status != queue.StatusDeadLettered {
		t.Fatalf("dead-lettered resubmit: status=%d body=%s", w.Code, w.Body.String())
	}
	q, _ := f.set.Get(domain.EntityReview, domain.OpCreate)
	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("dead-lettered request was queued again, depth=%d", n)
	}

	// processed: answered from the ledger
	now := time.Now().UTC()
	rec := &domain.IdempotencyRecord{
		RequestID: "body-done", EntityType: domain.EntityRestaurant, Operation: domain.OpCreate,
		EntityID: "cafe-a", EventID: domain.EventIDFor("body-done"),
		ProcessedAt: now, PublishedAt: &now, ExpiresAt: now.Add(time.Hour),
	}
	if err := f.db.Create(rec).Error; err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	done := cafeA()
	done["request_id"] = "body-done"
	w = do(t, f.r, http.MethodPost, "/mutations", done, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("processed resubmit status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decode[SubmitMutationResponse](t, w); got.Status != queue.StatusProcessed || got.Queue != "restaurant.create" {
		t.Fatalf("unexpected response %+v", got)
	}
	rq, _ := f.set.Get(domain.EntityRestaurant, domain.OpCreate)
	if n, _ := rq.Depth(ctx); n != 0 {
		t.Fatalf("processed request was queued again, depth=%d", n)
	}
}

func TestSubmitMutation_ReplayFlagAnswersWithStatus(t *testing.T) {
	f := newFixture(t)
	r := f.r
	hdr := map[string]string{middleware.HeaderIdempotencyKey: "r-replay"}

	if w := do(t, r, http.MethodPost, "/mutations", cafeA(), hdr); w.Code != http.StatusAccepted {
		t.Fatalf("first submit status=%d", w.Code)
	}
	before := testutil.ToFloat64(intakeTotal.WithLabelValues("restaurant.create", "replay"))
	if w := do(t, r, http.MethodPost, "/mutations", cafeA(), hdr); w.Code != http.StatusOK {
		t.Fatalf("replay status=%d", w.Code)
	}
	if got := testutil.ToFloat64(intakeTotal.WithLabelValues("restaurant.create", "replay")); got != before+1 {
		t.Fatalf("replay counter = %v, want %v", got, before+1)
	}
}

func TestSubmitMutation_RejectsBadEnvelope(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body any
		code string
	}{
		{"not json", "nope", ErrCodeBadRequest},
		{"unknown entity", map[string]any{"entity_type": "menu", "operation": "create", "payload": map[string]any{"version": 1, "data": map[string]any{}}}, ErrCodeUnknownEntity},
		{"unknown op", map[string]any{"entity_type": "review", "operation": "upsert", "payload": map[string]any{"version": 1, "data": map[string]any{}}}, ErrCodeUnknownOp},
		{"version zero", map[string]any{"entity_type": "review", "operation": "create", "payload": map[string]any{"version": 0, "data": map[string]any{}}}, ErrCodeUnsupportedVer},
		{"no data", map[string]any{"entity_type": "review", "operation": "create", "payload": map[string]any{"version": 1}}, ErrCodeBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, f.r, http.MethodPost, "/mutations", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if got := decode[ErrorResponse](t, w); got.Code != tc.code || got.RequestID == "" {
				t.Fatalf("unexpected error %+v", got)
			}
		})
	}
}

func TestGetMutation_UnknownAndDeadLettered(t *testing.T) {
	f := newFixture(t)

	st := decode[queue.RequestStatus](t, do(t, f.r, http.MethodGet, "/mutations/missing", nil, nil))
	if st.Status != queue.StatusUnknown {
		t.Fatalf("status = %q, want unknown", st.Status)
	}

	deadLetter(t, f, "r-bad")
	st = decode[queue.RequestStatus](t, do(t, f.r, http.MethodGet, "/mutations/r-bad", nil, nil))
	if st.Status != queue.StatusDeadLettered || st.FailureKind != domain.FailureValidation || st.Attempt != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

// deadLetter enqueues a review create and moves it to the DLQ as a
// validation failure.
func deadLetter(t *testing.T, f *fixture, id string) {
	t.Helper()
	ctx := context.Background()
	req := &domain.MutationRequest{
		RequestID:  id,
		EntityType: domain.EntityReview,
		Operation:  domain.OpCreate,
		Payload:    domain.VersionedPayload{Version: 1, Data: json.RawMessage(`{"rating":9}`)},
	}
	if err := f.set.Enqueue(ctx, req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q, _ := f.set.Get(domain.EntityReview, domain.OpCreate)
	ds, err := q.Dequeue(ctx, 1, time.Minute)
	if err != nil || len(ds) != 1 {
		t.Fatalf("dequeue: %v (%d)", err, len(ds))
	}
	if err := q.DeadLetter(ctx, ds[0].Receipt, domain.FailureValidation, "rating: must be 1..5"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
}

func TestDeadLetters_ListAndRedrive(t *testing.T) {
	f := newFixture(t)
	deadLetter(t, f, "r-a")
	deadLetter(t, f, "r-b")

	w := do(t, f.r, http.MethodGet, "/dlq?queue=review.create&limit=1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	page := decode[ListDeadLettersResponse](t, w)
	if len(page.Items) != 1 || page.Pagination.Total != 2 || !page.Pagination.HasNext {
		t.Fatalf("unexpected page %+v", page)
	}
	item := page.Items[0]
	if item.FailureKind != domain.FailureValidation || item.Payload.Version != 1 || item.LastError == "" {
		t.Fatalf("unexpected item %+v", item)
	}

	w = do(t, f.r, http.MethodPost, "/dlq/"+item.ID+"/redrive", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("redrive status=%d body=%s", w.Code, w.Body.String())
	}
	rd := decode[RedriveResponse](t, w)
	if rd.RequestID != item.RequestID || rd.Queue != "review.create" {
		t.Fatalf("unexpected redrive %+v", rd)
	}
	st := decode[queue.RequestStatus](t, do(t, f.r, http.MethodGet, "/mutations/"+rd.RequestID, nil, nil))
	if st.Status != queue.StatusPending || st.Attempt != 0 {
		t.Fatalf("redriven request status %+v", st)
	}

	if w := do(t, f.r, http.MethodPost, "/dlq/"+item.ID+"/redrive", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second redrive status=%d", w.Code)
	}
	if w := do(t, f.r, http.MethodGet, "/dlq?queue=menu.create", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad queue filter status=%d", w.Code)
	}
}

func TestListQueues_ReportsEveryQueue(t *testing.T) {
	f := newFixture(t)
	if w := do(t, f.r, http.MethodPost, "/mutations", cafeA(), nil); w.Code != http.StatusAccepted {
		t.Fatalf("submit status=%d", w.Code)
	}
	resp := decode[ListQueuesResponse](t, do(t, f.r, http.MethodGet, "/queues", nil, nil))
	if len(resp.Queues) != 9 {
		t.Fatalf("got %d queues, want 9", len(resp.Queues))
	}
	for _, q := range resp.Queues {
		want := int64(0)
		if q.Queue == "restaurant.create" {
			want = 1
		}
		if q.Depth != want {
			t.Fatalf("queue %s depth = %d, want %d", q.Queue, q.Depth, want)
		}
	}
}

type brokenIntake struct{ err error }

func (b brokenIntake) Enqueue(context.Context, *domain.MutationRequest) error { return b.err }
func (b brokenIntake) Lookup(context.Context, string) (queue.RequestStatus, error) {
	return queue.RequestStatus{}, b.err
}
func (b brokenIntake) Stats(context.Context) ([]repo.QueueStats, error) { return nil, b.err }

// deadLetteredIntake refuses every request as already dead-lettered, the way
// a queue does when the dead letter lands between lookup and enqueue.
type deadLetteredIntake struct{ brokenIntake }

func (deadLetteredIntake) Enqueue(context.Context, *domain.MutationRequest) error {
	return queue.ErrDeadLettered
}

type brokenDLQ struct{ err error }

func (b brokenDLQ) List(context.Context, string, int, int) ([]domain.DeadLetter, int64, error) {
	return nil, 0, b.err
}
func (b brokenDLQ) Redrive(context.Context, string) (domain.MutationRequest, error) {
	return domain.MutationRequest{}, b.err
}

func TestStoreFailuresMapTo5xx(t *testing.T) {
	boom := errors.New("database is locked")
	r := router(brokenIntake{err: boom}, brokenDLQ{err: boom}, nil)

	cases := []struct {
		method, path string
		body         any
		code         string
	}{
		{http.MethodPost, "/mutations", cafeA(), ErrCodeEnqueueFailed},
		{http.MethodGet, "/mutations/r1", nil, ErrCodeStatusFailed},
		{http.MethodGet, "/queues", nil, ErrCodeListFailed},
		{http.MethodGet, "/dlq", nil, ErrCodeListFailed},
		{http.MethodPost, "/dlq/x/redrive", nil, ErrCodeRedriveFailed},
	}
	for _, tc := range cases {
		w := do(t, r, tc.method, tc.path, tc.body, nil)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("%s %s status=%d", tc.method, tc.path, w.Code)
		}
		if got := decode[ErrorResponse](t, w).Code; got != tc.code {
			t.Fatalf("%s %s code=%q want %q", tc.method, tc.path, got, tc.code)
		}
	}

	conflict := router(deadLetteredIntake{}, brokenDLQ{err: repo.ErrDuplicate}, nil)
	w := do(t, conflict, http.MethodPost, "/mutations", cafeA(), nil)
	if w.Code != http.StatusOK || decode[SubmitMutationResponse](t, w).Status != queue.StatusDeadLettered {
		t.Fatalf("dead-lettered on enqueue: status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(t, conflict, http.MethodPost, "/dlq/x/redrive", nil, nil); w.Code != http.StatusConflict {
		t.Fatalf("duplicate redrive status=%d", w.Code)
	}
}
