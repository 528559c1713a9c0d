package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"enterprise-auth/backend/internal/user/domain"
)

const userColumns = `id, email, given_name, family_name, display_name, phone, roles, mfa_methods,
	clearance, mfa_enabled, active, provider, subject, metadata, created_at, last_login_at`

// PostgresRepository persists users in the users table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail returns the user with the given email (case-insensitive), or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1) LIMIT 1`, email)
	return scanUser(row)
}

// Upsert inserts or replaces the user row keyed by id.
func (r *PostgresRepository) Upsert(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	roles, err := json.Marshal(nonNil(u.Roles))
	if err != nil {
		return err
	}
	methods, err := json.Marshal(nonNil(u.MFAMethods))
	if err != nil {
		return err
	}
	meta, err := json.Marshal(u.Metadata)
	if err != nil {
		return err
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO UPDATE SET
	email = EXCLUDED.email,
	given_name = EXCLUDED.given_name,
	family_name = EXCLUDED.family_name,
	display_name = EXCLUDED.display_name,
	phone = EXCLUDED.phone,
	roles = EXCLUDED.roles,
	mfa_methods = EXCLUDED.mfa_methods,
	clearance = EXCLUDED.clearance,
	mfa_enabled = EXCLUDED.mfa_enabled,
	active = EXCLUDED.active,
	metadata = EXCLUDED.metadata,
	last_login_at = EXCLUDED.last_login_at`,
		u.ID, u.Email, u.GivenName, u.FamilyName, u.DisplayName, u.Phone, roles, methods,
		int(u.Clearance), u.MFAEnabled, u.Active, u.Provider, u.Subject, meta, createdAt, nullTime(u.LastLoginAt))
	return err
}

// Delete removes the user row. Deleting a missing user is not an error.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u                    domain.User
		roles, methods, meta []byte
		clearance            int
		lastLogin            sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.GivenName, &u.FamilyName, &u.DisplayName, &u.Phone, &roles, &methods,
		&clearance, &u.MFAEnabled, &u.Active, &u.Provider, &u.Subject, &meta, &u.CreatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Clearance = domain.Clearance(clearance)
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	if err := json.Unmarshal(roles, &u.Roles); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(methods, &u.MFAMethods); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &u.Metadata); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
