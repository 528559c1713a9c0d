package repository

import (
	"context"
	"time"

	"enterprise-auth/backend/internal/mfa/domain"
)

// Repository defines persistence for MFA enrollments and pending out-of-band challenges.
// Lookups return nil, nil when nothing matches.
type Repository interface {
	// SaveChallenge stores c, replacing any pending challenge for the same user and method.
	SaveChallenge(ctx context.Context, c *domain.Challenge) error
	GetChallenge(ctx context.Context, userID, method string) (*domain.Challenge, error)
	DeleteChallenge(ctx context.Context, id string) error

	SaveEnrollment(ctx context.Context, e *domain.Enrollment) error
	GetEnrollment(ctx context.Context, userID, method string) (*domain.Enrollment, error)
	ListEnrollments(ctx context.Context, userID string) ([]*domain.Enrollment, error)
	DeleteEnrollment(ctx context.Context, userID, method string) error
}

// DefaultChallengeTTL is the default out-of-band code lifetime.
const DefaultChallengeTTL = 5 * time.Minute
