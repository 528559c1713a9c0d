package repository

import (
	"context"
	"sort"
	"sync"

	"enterprise-auth/backend/internal/rbac/domain"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu          sync.RWMutex
	roles       map[string]*domain.Role
	assignments []*domain.Assignment
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{roles: make(map[string]*domain.Role)}
}

func (r *MemoryRepository) GetRole(ctx context.Context, name string) (*domain.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[name].Clone(), nil
}

// ListRoles returns roles sorted by name.
func (r *MemoryRepository) ListRoles(ctx context.Context) ([]*domain.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepository) CreateRole(ctx context.Context, role *domain.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.Name]; ok {
		return ErrRoleExists
	}
	r.roles[role.Name] = role.Clone()
	return nil
}

// UpdateRole replaces the stored role. Updating a missing role is not an error.
func (r *MemoryRepository) UpdateRole(ctx context.Context, role *domain.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.Name]; ok {
		r.roles[role.Name] = role.Clone()
	}
	return nil
}

func (r *MemoryRepository) DeleteRole(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles, name)
	return nil
}

func (r *MemoryRepository) CreateAssignment(ctx context.Context, a *domain.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.assignments = append(r.assignments, &cp)
	return nil
}

func (r *MemoryRepository) ListAssignmentsByUser(ctx context.Context, userID string) ([]*domain.Assignment, error) {
	return r.filter(func(a *domain.Assignment) bool { return a.UserID == userID }), nil
}

func (r *MemoryRepository) ListAssignmentsByRole(ctx context.Context, role string) ([]*domain.Assignment, error) {
	return r.filter(func(a *domain.Assignment) bool { return a.Role == role }), nil
}

func (r *MemoryRepository) filter(match func(*domain.Assignment) bool) []*domain.Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Assignment
	for _, a := range r.assignments {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (r *MemoryRepository) DeactivateAssignments(ctx context.Context, userID, role string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.assignments {
		if a.UserID == userID && a.Role == role && a.Active {
			a.Active = false
			n++
		}
	}
	return n, nil
}
