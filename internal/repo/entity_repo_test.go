package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

func TestRestaurantCRUD(t *testing.T) {
	db := newPipelineDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := &domain.Restaurant{ID: "r1", Name: "Cafe A", City: "Athens", CreatedAt: now, UpdatedAt: now}
	if err := CreateRestaurant(ctx, db, r); err != nil {
		t.Fatalf("CreateRestaurant: %v", err)
	}
	if err := CreateRestaurant(ctx, db, &domain.Restaurant{ID: "r1", Name: "dup"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := UpdateRestaurant(ctx, db, "r1", map[string]any{"price_level": 0, "name": "Cafe B"}); err != nil {
		t.Fatalf("UpdateRestaurant: %v", err)
	}
	got, err := GetRestaurant(ctx, db, "r1")
	if err != nil || got.Name != "Cafe B" {
		t.Fatalf("GetRestaurant: %v %+v", err, got)
	}
	if err := DeleteRestaurant(ctx, db, "r1"); err != nil {
		t.Fatalf("DeleteRestaurant: %v", err)
	}
	if _, err := GetRestaurant(ctx, db, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := DeleteRestaurant(ctx, db, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := UpdateRestaurant(ctx, db, "missing", map[string]any{"name": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing update, got %v", err)
	}
}

func TestReviewAndUserCRUD(t *testing.T) {
	db := newPipelineDB(t)
	ctx := context.Background()

	if err := CreateUserAccount(ctx, db, &domain.UserAccount{ID: "u1", Email: "a@example.com", DisplayName: "A"}); err != nil {
		t.Fatalf("CreateUserAccount: %v", err)
	}
	if err := CreateUserAccount(ctx, db, &domain.UserAccount{ID: "u2", Email: "a@example.com", DisplayName: "B"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on email, got %v", err)
	}
	if err := UpdateUserAccount(ctx, db, "u1", map[string]any{"display_name": "Alice"}); err != nil {
		t.Fatalf("UpdateUserAccount: %v", err)
	}
	if u, _ := GetUserAccount(ctx, db, "u1"); u == nil || u.DisplayName != "Alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	if err := CreateReview(ctx, db, &domain.Review{ID: "v1", RestaurantID: "r1", UserID: "u1", Rating: 4}); err != nil {
		t.Fatalf("CreateReview: %v", err)
	}
	if err := UpdateReview(ctx, db, "v1", map[string]any{"rating": 5}); err != nil {
		t.Fatalf("UpdateReview: %v", err)
	}
	if v, _ := GetReview(ctx, db, "v1"); v == nil || v.Rating != 5 {
		t.Fatalf("unexpected review: %+v", v)
	}
	if err := DeleteReview(ctx, db, "v1"); err != nil {
		t.Fatalf("DeleteReview: %v", err)
	}
	if err := DeleteUserAccount(ctx, db, "u1"); err != nil {
		t.Fatalf("DeleteUserAccount: %v", err)
	}
}
