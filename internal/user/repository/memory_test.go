package repository

import (
	"context"
	"testing"

	"enterprise-auth/backend/internal/user/domain"
)

func TestMemoryRepository_UpsertGet(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	u := &domain.User{ID: "u1", Email: "Ada@Example.com", Provider: "oidc", Subject: "sub-1", Roles: []string{"viewer"}}
	if err := r.Upsert(ctx, u); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	u.Roles[0] = "admin"

	got, err := r.GetByID(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v, %v", got, err)
	}
	if got.Roles[0] != "viewer" {
		t.Errorf("stored user shares slices with caller: %v", got.Roles)
	}

	byEmail, _ := r.GetByEmail(ctx, "ada@example.com")
	if byEmail == nil || byEmail.ID != "u1" {
		t.Errorf("GetByEmail = %v, want u1", byEmail)
	}

	missing, err := r.GetByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetByID(missing) = %v, %v; want nil, nil", missing, err)
	}

	if err := r.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := r.GetByID(ctx, "u1"); got != nil {
		t.Error("user still present after Delete")
	}
}

func TestMemoryRepository_UpsertRejectsInvalid(t *testing.T) {
	if err := NewMemoryRepository().Upsert(context.Background(), &domain.User{ID: "u1"}); err == nil {
		t.Fatal("Upsert without provider/subject should fail")
	}
}
