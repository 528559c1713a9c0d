package repository

import (
	"context"
	"time"

	"enterprise-auth/backend/internal/audit/domain"
)

// Repository defines append-only persistence for audit events.
type Repository interface {
	Create(ctx context.Context, e *domain.Event) error
	// List returns events matching f, newest first, capped at f.Limit when set.
	List(ctx context.Context, f domain.Filter) ([]*domain.Event, error)
	// DeleteBefore removes events older than cutoff and returns how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}
