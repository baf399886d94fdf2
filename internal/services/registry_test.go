package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func v1(s string) domain.VersionedPayload {
	return domain.VersionedPayload{Version: 1, Data: json.RawMessage(s)}
}

func mreq(e domain.EntityType, op domain.Operation, p domain.VersionedPayload) domain.MutationRequest {
	return domain.MutationRequest{RequestID: uuid.NewString(), EntityType: e, Operation: op, Payload: p}
}

func apply(t *testing.T, db *gorm.DB, r Registry, req domain.MutationRequest) (Result, error) {
	t.Helper()
	var res Result
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = r.Apply(context.Background(), tx, req)
		return err
	})
	return res, err
}

// ---------- Validate ----------

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		name    string
		req     domain.MutationRequest
		invalid bool
	}{
		{"restaurant ok", mreq(domain.EntityRestaurant, domain.OpCreate, v1(`{"name":"Cafe A"}`)), false},
		{"restaurant missing name", mreq(domain.EntityRestaurant, domain.OpCreate, v1(`{"city":"Athens"}`)), true},
		{"restaurant price out of range", mreq(domain.EntityRestaurant, domain.OpCreate, v1(`{"name":"x","price_level":9}`)), true},
		{"malformed json", mreq(domain.EntityRestaurant, domain.OpCreate, v1(`{not json`)), true},
		{"empty payload", mreq(domain.EntityRestaurant, domain.OpCreate, v1(``)), true},
		{"version zero", mreq(domain.EntityRestaurant, domain.OpCreate, domain.VersionedPayload{Version: 0, Data: []byte(`{"name":"x"}`)}), true},
		{"version two", mreq(domain.EntityRestaurant, domain.OpCreate, domain.VersionedPayload{Version: 2, Data: []byte(`{"name":"x"}`)}), true},
		{"update without id", mreq(domain.EntityRestaurant, domain.OpUpdate, v1(`{"name":"x"}`)), true},
		{"update without fields", mreq(domain.EntityRestaurant, domain.OpUpdate, v1(`{"id":"r1"}`)), true},
		{"delete without id", mreq(domain.EntityReview, domain.OpDelete, v1(`{}`)), true},
		{"review ok", mreq(domain.EntityReview, domain.OpCreate, v1(`{"restaurant_id":"r1","user_id":"u1","rating":5}`)), false},
		{"review rating", mreq(domain.EntityReview, domain.OpCreate, v1(`{"restaurant_id":"r1","user_id":"u1","rating":6}`)), true},
		{"user bad email", mreq(domain.EntityUserAccount, domain.OpCreate, v1(`{"email":"nope","display_name":"A"}`)), true},
		{"user ok", mreq(domain.EntityUserAccount, domain.OpUpdate, v1(`{"id":"u1","display_name":"A"}`)), false},
		{"unknown entity", mreq(domain.EntityType("menu"), domain.OpCreate, v1(`{}`)), true},
		{"unknown op", mreq(domain.EntityRestaurant, domain.Operation("upsert"), v1(`{}`)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(tc.req)
			if tc.invalid != IsInvalid(err) {
				t.Fatalf("Validate() = %v; invalid=%v", err, tc.invalid)
			}
		})
	}
}

func TestValidate_ErrorNamesJSONField(t *testing.T) {
	err := NewRegistry().Validate(mreq(domain.EntityReview, domain.OpCreate, v1(`{"user_id":"u1","rating":3}`)))
	if err == nil || !IsInvalid(err) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if want := "restaurant_id: required"; !strings.Contains(err.Error(), want) {
		t.Fatalf("expected %q in %q", want, err.Error())
	}
	err = NewRegistry().Validate(mreq(domain.EntityReview, domain.OpDelete, v1(`{}`)))
	if !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
	err = NewRegistry().Validate(mreq(domain.EntityReview, domain.OpDelete, domain.VersionedPayload{Version: 3, Data: []byte(`{"id":"x"}`)}))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

// ---------- Apply ----------

func TestRestaurant_CreateUpdateDelete(t *testing.T) {
	db := newSvcDB(t)
	r := NewRegistry()

	res, err := apply(t, db, r, mreq(domain.EntityRestaurant, domain.OpCreate, v1(`{"id":"r1","name":"Cafe A"}`)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.EntityID != "r1" || res.Snapshot.Version != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	var snap domain.Restaurant
	if err := json.Unmarshal(res.Snapshot.Data, &snap); err != nil || snap.Name != "Cafe A" {
		t.Fatalf("snapshot: %v %+v", err, snap)
	}

	// Same id again is a permanent conflict.
	if _, err := apply(t, db, r, mreq(domain.EntityRestaurant, domain.OpCreate, v1(`{"id":"r1","name":"Cafe B"}`))); !errors.Is(err, ErrEntityExists) || !IsInvalid(err) {
		t.Fatalf("expected ErrEntityExists, got %v", err)
	}

	res, err = apply(t, db, r, mreq(domain.EntityRestaurant, domain.OpUpdate, v1(`{"id":"r1","price_level":0,"city":"Athens"}`)))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := json.Unmarshal(res.Snapshot.Data, &snap); err != nil || snap.City != "Athens" || snap.Name != "Cafe A" {
		t.Fatalf("update snapshot: %v %+v", err, snap)
	}

	if _, err := apply(t, db, r, mreq(domain.EntityRestaurant, domain.OpDelete, v1(`{"id":"r1"}`))); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := apply(t, db, r, mreq(domain.EntityRestaurant, domain.OpDelete, v1(`{"id":"r1"}`))); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound on second delete, got %v", err)
	}
}

func TestRestaurant_CreateGeneratesID(t *testing.T) {
	db := newSvcDB(t)
	res, err := apply(t, db, NewRegistry(), mreq(domain.EntityRestaurant, domain.OpCreate, v1(`{"name":"Cafe A"}`)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := uuid.Parse(res.EntityID); err != nil {
		t.Fatalf("expected generated uuid, got %q", res.EntityID)
	}
}

func TestUpdateMissingEntity_IsTransient(t *testing.T) {
	db := newSvcDB(t)
	_, err := apply(t, db, NewRegistry(), mreq(domain.EntityUserAccount, domain.OpUpdate, v1(`{"id":"ghost","display_name":"X"}`)))
	if !errors.Is(err, ErrEntityNotFound) || IsInvalid(err) {
		t.Fatalf("expected transient ErrEntityNotFound, got %v", err)
	}
}

func TestReview_RequiresRestaurant(t *testing.T) {
	db := newSvcDB(t)
	r := NewRegistry()

	create := mreq(domain.EntityReview, domain.OpCreate, v1(`{"restaurant_id":"r1","user_id":"u1","rating":4}`))
	if _, err := apply(t, db, r, create); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound before restaurant exists, got %v", err)
	}
	if _, err := apply(t, db, r, mreq(domain.EntityRestaurant, domain.OpCreate, v1(`{"id":"r1","name":"Cafe A"}`))); err != nil {
		t.Fatalf("create restaurant: %v", err)
	}
	res, err := apply(t, db, r, create)
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	upd := mreq(domain.EntityReview, domain.OpUpdate, v1(fmt.Sprintf(`{"id":%q,"rating":2}`, res.EntityID)))
	res, err = apply(t, db, r, upd)
	if err != nil {
		t.Fatalf("update review: %v", err)
	}
	var snap domain.Review
	_ = json.Unmarshal(res.Snapshot.Data, &snap)
	if snap.Rating != 2 || snap.RestaurantID != "r1" {
		t.Fatalf("unexpected review snapshot: %+v", snap)
	}
}

func TestUserAccount_EmailNormalizedAndUnique(t *testing.T) {
	db := newSvcDB(t)
	r := NewRegistry()

	res, err := apply(t, db, r, mreq(domain.EntityUserAccount, domain.OpCreate, v1(`{"email":"Ann@Example.com","display_name":" Ann "}`)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var snap domain.UserAccount
	_ = json.Unmarshal(res.Snapshot.Data, &snap)
	if snap.Email != "ann@example.com" || snap.DisplayName != "Ann" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	_, err = apply(t, db, r, mreq(domain.EntityUserAccount, domain.OpCreate, v1(`{"email":"ann@example.com","display_name":"Other"}`)))
	if !errors.Is(err, ErrEntityExists) {
		t.Fatalf("expected ErrEntityExists on duplicate email, got %v", err)
	}
}

func TestApply_RollsBackOnFailure(t *testing.T) {
	db := newSvcDB(t)
	r := NewRegistry()
	boom := errors.New("later step failed")

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := r.Apply(context.Background(), tx, mreq(domain.EntityRestaurant, domain.OpCreate, v1(`{"id":"r9","name":"X"}`))); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := repo.GetRestaurant(context.Background(), db, "r9"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}
