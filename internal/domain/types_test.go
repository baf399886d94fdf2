package domain

import (
	"errors"
	"testing"
)

func TestParseEntityType(t *testing.T) {
	cases := []struct {
		in   string
		want EntityType
	}{
		{"restaurant", EntityRestaurant},
		{"Restaurant", EntityRestaurant},
		{"REVIEW", EntityReview},
		{"UserAccount", EntityUserAccount},
		{"user_account", EntityUserAccount},
		{" user-account ", EntityUserAccount},
	}
	for _, tc := range cases {
		got, err := ParseEntityType(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseEntityType(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !got.Valid() {
			t.Fatalf("%q should be valid", got)
		}
	}
	if _, err := ParseEntityType("menu"); !errors.Is(err, ErrUnknownEntityType) {
		t.Fatalf("expected ErrUnknownEntityType, got %v", err)
	}
	if EntityType("menu").Valid() {
		t.Fatalf("menu must not be valid")
	}
}

func TestParseOperation(t *testing.T) {
	for _, in := range []string{"create", "Create", "UPDATE", "delete"} {
		op, err := ParseOperation(in)
		if err != nil || !op.Valid() {
			t.Fatalf("ParseOperation(%q) = %q, %v", in, op, err)
		}
	}
	if _, err := ParseOperation("upsert"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestQueueNames(t *testing.T) {
	seen := map[string]bool{}
	for _, e := range EntityTypes {
		for _, op := range Operations {
			seen[QueueName(e, op)] = true
		}
	}
	if len(seen) != 9 {
		t.Fatalf("expected nine distinct queues, got %d", len(seen))
	}
	if QueueName(EntityUserAccount, OpDelete) != "user_account.delete" {
		t.Fatalf("unexpected queue name %q", QueueName(EntityUserAccount, OpDelete))
	}
}

func TestEventIDFor_Deterministic(t *testing.T) {
	a, b := EventIDFor("req-1"), EventIDFor("req-1")
	if a != b {
		t.Fatalf("expected same id for same request, got %s vs %s", a, b)
	}
	if a == EventIDFor("req-2") {
		t.Fatalf("expected different ids for different requests")
	}
}

func TestParseQueueName(t *testing.T) {
	e, op, err := ParseQueueName("user_account.delete")
	if err != nil || e != EntityUserAccount || op != OpDelete {
		t.Fatalf("ParseQueueName = %q %q %v", e, op, err)
	}
	for _, bad := range []string{"restaurant", "menu.create", "review.upsert"} {
		if _, _, err := ParseQueueName(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
