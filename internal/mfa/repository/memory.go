package repository

import (
	"context"
	"sort"
	"sync"

	"enterprise-auth/backend/internal/mfa/domain"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu          sync.Mutex
	challenges  map[string]*domain.Challenge  // user|method
	enrollments map[string]*domain.Enrollment // user|method
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		challenges:  make(map[string]*domain.Challenge),
		enrollments: make(map[string]*domain.Enrollment),
	}
}

func key(userID, method string) string { return userID + "|" + method }

func (r *MemoryRepository) SaveChallenge(ctx context.Context, c *domain.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.challenges[key(c.UserID, c.Method)] = &cp
	return nil
}

func (r *MemoryRepository) GetChallenge(ctx context.Context, userID, method string) (*domain.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[key(userID, method)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) DeleteChallenge(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.challenges {
		if c.ID == id {
			delete(r.challenges, k)
		}
	}
	return nil
}

func (r *MemoryRepository) SaveEnrollment(ctx context.Context, e *domain.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrollments[key(e.UserID, e.Method)] = e.Clone()
	return nil
}

func (r *MemoryRepository) GetEnrollment(ctx context.Context, userID, method string) (*domain.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enrollments[key(userID, method)].Clone(), nil
}

func (r *MemoryRepository) ListEnrollments(ctx context.Context, userID string) ([]*domain.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Enrollment
	for _, e := range r.enrollments {
		if e.UserID == userID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out, nil
}

func (r *MemoryRepository) DeleteEnrollment(ctx context.Context, userID, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.enrollments, key(userID, method))
	return nil
}
