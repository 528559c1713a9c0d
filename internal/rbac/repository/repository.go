package repository

import (
	"context"
	"errors"

	"enterprise-auth/backend/internal/rbac/domain"
)

// ErrRoleExists is returned by CreateRole when the name is taken.
var ErrRoleExists = errors.New("role already exists")

// Repository defines persistence for roles and role assignments.
// Get methods return (nil, nil) when the row does not exist.
type Repository interface {
	GetRole(ctx context.Context, name string) (*domain.Role, error)
	ListRoles(ctx context.Context) ([]*domain.Role, error)
	CreateRole(ctx context.Context, r *domain.Role) error
	UpdateRole(ctx context.Context, r *domain.Role) error
	DeleteRole(ctx context.Context, name string) error

	CreateAssignment(ctx context.Context, a *domain.Assignment) error
	// ListAssignmentsByUser returns all assignments for the user, including inactive ones.
	ListAssignmentsByUser(ctx context.Context, userID string) ([]*domain.Assignment, error)
	ListAssignmentsByRole(ctx context.Context, role string) ([]*domain.Assignment, error)
	// DeactivateAssignments marks the user's active assignments of role inactive and returns how many changed.
	DeactivateAssignments(ctx context.Context, userID, role string) (int, error)
}
