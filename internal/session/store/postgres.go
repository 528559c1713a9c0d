package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const recordColumns = `id, user_id, expires_at, payload`

// PostgresStore persists records in the sessions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a session store that uses the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put inserts or replaces the record.
func (s *PostgresStore) Put(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+recordColumns+`, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at,
			payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		r.ID, r.UserID, r.ExpiresAt.UTC(), r.Payload, time.Now().UTC())
	return err
}

// Get returns the record for id, or nil if not found.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM sessions WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// ListByUser returns the user's records ordered by expiry.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM sessions WHERE user_id = $1 ORDER BY expires_at, id`, userID)
}

func (s *PostgresStore) List(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM sessions ORDER BY expires_at, id`)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	if err := row.Scan(&r.ID, &r.UserID, &r.ExpiresAt, &r.Payload); err != nil {
		return nil, err
	}
	r.ExpiresAt = r.ExpiresAt.UTC()
	return &r, nil
}
