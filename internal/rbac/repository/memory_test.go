package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"enterprise-auth/backend/internal/rbac/domain"
)

func TestMemoryRepository_Roles(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	role := &domain.Role{Name: "viewer", Permissions: []string{"project:read"}, Active: true}
	if err := repo.CreateRole(ctx, role); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := repo.CreateRole(ctx, role); !errors.Is(err, ErrRoleExists) {
		t.Fatalf("duplicate CreateRole err = %v, want ErrRoleExists", err)
	}

	role.Permissions[0] = "mutated"
	got, err := repo.GetRole(ctx, "viewer")
	if err != nil || got == nil {
		t.Fatalf("GetRole = %v, %v", got, err)
	}
	if got.Permissions[0] != "project:read" {
		t.Errorf("stored role shares caller slice: %v", got.Permissions)
	}

	if err := repo.CreateRole(ctx, &domain.Role{Name: "admin"}); err != nil {
		t.Fatal(err)
	}
	list, _ := repo.ListRoles(ctx)
	if len(list) != 2 || list[0].Name != "admin" || list[1].Name != "viewer" {
		t.Errorf("ListRoles order = %v", list)
	}

	if err := repo.DeleteRole(ctx, "viewer"); err != nil {
		t.Fatal(err)
	}
	if got, _ := repo.GetRole(ctx, "viewer"); got != nil {
		t.Errorf("GetRole after delete = %+v, want nil", got)
	}
}

func TestMemoryRepository_Assignments(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()

	for _, a := range []*domain.Assignment{
		{ID: "a1", UserID: "u1", Role: "viewer", AssignedAt: now, Active: true},
		{ID: "a2", UserID: "u1", Role: "editor", AssignedAt: now, Active: true},
		{ID: "a3", UserID: "u2", Role: "viewer", AssignedAt: now, Active: true},
	} {
		if err := repo.CreateAssignment(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	byUser, _ := repo.ListAssignmentsByUser(ctx, "u1")
	if len(byUser) != 2 {
		t.Errorf("ListAssignmentsByUser len = %d, want 2", len(byUser))
	}
	byRole, _ := repo.ListAssignmentsByRole(ctx, "viewer")
	if len(byRole) != 2 {
		t.Errorf("ListAssignmentsByRole len = %d, want 2", len(byRole))
	}

	n, err := repo.DeactivateAssignments(ctx, "u1", "viewer")
	if err != nil || n != 1 {
		t.Fatalf("DeactivateAssignments = %d, %v; want 1", n, err)
	}
	n, _ = repo.DeactivateAssignments(ctx, "u1", "viewer")
	if n != 0 {
		t.Errorf("second DeactivateAssignments = %d, want 0", n)
	}
	byUser, _ = repo.ListAssignmentsByUser(ctx, "u1")
	for _, a := range byUser {
		if a.Role == "viewer" && a.Active {
			t.Error("viewer assignment still active")
		}
	}
}
