package repository

import (
	"context"

	"enterprise-auth/backend/internal/user/domain"
)

// Repository defines persistence for directory users.
// Get methods return (nil, nil) when the user does not exist.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Upsert creates the user or replaces the stored record with the same ID.
	Upsert(ctx context.Context, u *domain.User) error
	Delete(ctx context.Context, id string) error
}
