package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"enterprise-auth/backend/internal/mfa/domain"
)

// PostgresRepository persists MFA state in the mfa_challenges and mfa_enrollments tables.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an MFA repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SaveChallenge persists the challenge. The challenge must have ID set.
func (r *PostgresRepository) SaveChallenge(ctx context.Context, c *domain.Challenge) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO mfa_challenges (id, user_id, method, destination, code_hash, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, method) DO UPDATE SET
	id = EXCLUDED.id,
	destination = EXCLUDED.destination,
	code_hash = EXCLUDED.code_hash,
	expires_at = EXCLUDED.expires_at,
	created_at = EXCLUDED.created_at`,
		c.ID, c.UserID, c.Method, c.Destination, c.CodeHash, c.ExpiresAt, c.CreatedAt)
	return err
}

// GetChallenge returns the pending challenge for user and method, or nil if none.
func (r *PostgresRepository) GetChallenge(ctx context.Context, userID, method string) (*domain.Challenge, error) {
	var c domain.Challenge
	err := r.db.QueryRowContext(ctx, `
SELECT id, user_id, method, destination, code_hash, expires_at, created_at
FROM mfa_challenges WHERE user_id = $1 AND method = $2`, userID, method).
		Scan(&c.ID, &c.UserID, &c.Method, &c.Destination, &c.CodeHash, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// DeleteChallenge removes the challenge by id.
func (r *PostgresRepository) DeleteChallenge(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mfa_challenges WHERE id = $1`, id)
	return err
}

// SaveEnrollment inserts or replaces the enrollment keyed by user and method.
func (r *PostgresRepository) SaveEnrollment(ctx context.Context, e *domain.Enrollment) error {
	codes, err := json.Marshal(nonNil(e.BackupCodeHashes))
	if err != nil {
		return err
	}
	creds, err := json.Marshal(nonNil(e.CredentialIDs))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO mfa_enrollments (user_id, method, secret, destination, backup_code_hashes, credential_ids, confirmed, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, method) DO UPDATE SET
	secret = EXCLUDED.secret,
	destination = EXCLUDED.destination,
	backup_code_hashes = EXCLUDED.backup_code_hashes,
	credential_ids = EXCLUDED.credential_ids,
	confirmed = EXCLUDED.confirmed,
	updated_at = EXCLUDED.updated_at`,
		e.UserID, e.Method, e.Secret, e.Destination, codes, creds, e.Confirmed, e.CreatedAt, e.UpdatedAt)
	return err
}

const enrollmentColumns = `user_id, method, secret, destination, backup_code_hashes, credential_ids, confirmed, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row rowScanner) (*domain.Enrollment, error) {
	var (
		e            domain.Enrollment
		codes, creds []byte
	)
	if err := row.Scan(&e.UserID, &e.Method, &e.Secret, &e.Destination, &codes, &creds, &e.Confirmed, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(codes, &e.BackupCodeHashes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(creds, &e.CredentialIDs); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEnrollment returns the enrollment for user and method, or nil if not enrolled.
func (r *PostgresRepository) GetEnrollment(ctx context.Context, userID, method string) (*domain.Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM mfa_enrollments WHERE user_id = $1 AND method = $2`, userID, method)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListEnrollments returns every enrollment of the user ordered by method.
func (r *PostgresRepository) ListEnrollments(ctx context.Context, userID string) ([]*domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+enrollmentColumns+` FROM mfa_enrollments WHERE user_id = $1 ORDER BY method`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEnrollment removes the enrollment. Deleting a missing enrollment is not an error.
func (r *PostgresRepository) DeleteEnrollment(ctx context.Context, userID, method string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mfa_enrollments WHERE user_id = $1 AND method = $2`, userID, method)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
