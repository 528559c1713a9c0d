package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"enterprise-auth/backend/internal/rbac/domain"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

const (
	roleColumns       = `name, description, permissions, inherits_from, min_clearance, system, active, created_at, updated_at`
	assignmentColumns = `id, user_id, role, assigned_by, assigned_at, expires_at, active`

	pgUniqueViolation = "23505"
)

// PostgresRepository persists roles and assignments in the roles and role_assignments tables.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an RBAC repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// GetRole returns the role by name, or nil if not found.
func (r *PostgresRepository) GetRole(ctx context.Context, name string) (*domain.Role, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return role, err
}

// ListRoles returns all roles ordered by name.
func (r *PostgresRepository) ListRoles(ctx context.Context) ([]*domain.Role, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// CreateRole inserts the role. A duplicate name returns ErrRoleExists.
func (r *PostgresRepository) CreateRole(ctx context.Context, role *domain.Role) error {
	perms, parents, err := roleLists(role)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO roles (`+roleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		role.Name, role.Description, perms, parents, int(role.MinClearance), role.System, role.Active, role.CreatedAt, role.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrRoleExists
	}
	return err
}

// UpdateRole replaces the mutable fields of the role.
func (r *PostgresRepository) UpdateRole(ctx context.Context, role *domain.Role) error {
	perms, parents, err := roleLists(role)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE roles SET description = $2, permissions = $3, inherits_from = $4, min_clearance = $5, active = $6, updated_at = $7
WHERE name = $1`,
		role.Name, role.Description, perms, parents, int(role.MinClearance), role.Active, role.UpdatedAt)
	return err
}

// DeleteRole removes the role and its assignments.
func (r *PostgresRepository) DeleteRole(ctx context.Context, name string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_assignments WHERE role = $1`, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE name = $1`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAssignment inserts the assignment. The assignment must have ID set.
func (r *PostgresRepository) CreateAssignment(ctx context.Context, a *domain.Assignment) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO role_assignments (`+assignmentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, a.Role, a.AssignedBy, a.AssignedAt, nullTime(a.ExpiresAt), a.Active)
	return err
}

// ListAssignmentsByUser returns the user's assignments ordered by assignment time.
func (r *PostgresRepository) ListAssignmentsByUser(ctx context.Context, userID string) ([]*domain.Assignment, error) {
	return r.listAssignments(ctx, `SELECT `+assignmentColumns+` FROM role_assignments WHERE user_id = $1 ORDER BY assigned_at`, userID)
}

// ListAssignmentsByRole returns the role's assignments ordered by assignment time.
func (r *PostgresRepository) ListAssignmentsByRole(ctx context.Context, role string) ([]*domain.Assignment, error) {
	return r.listAssignments(ctx, `SELECT `+assignmentColumns+` FROM role_assignments WHERE role = $1 ORDER BY assigned_at`, role)
}

func (r *PostgresRepository) listAssignments(ctx context.Context, query, arg string) ([]*domain.Assignment, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Assignment
	for rows.Next() {
		var (
			a       domain.Assignment
			expires sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Role, &a.AssignedBy, &a.AssignedAt, &expires, &a.Active); err != nil {
			return nil, err
		}
		if expires.Valid {
			a.ExpiresAt = expires.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeactivateAssignments sets active = false on the user's active assignments of role.
func (r *PostgresRepository) DeactivateAssignments(ctx context.Context, userID, role string) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE role_assignments SET active = false WHERE user_id = $1 AND role = $2 AND active`, userID, role)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanRole(s rowScanner) (*domain.Role, error) {
	var (
		role           domain.Role
		perms, parents []byte
		clearance      int
	)
	if err := s.Scan(&role.Name, &role.Description, &perms, &parents, &clearance, &role.System, &role.Active,
		&role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	role.MinClearance = userdomain.Clearance(clearance)
	if err := json.Unmarshal(perms, &role.Permissions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(parents, &role.InheritsFrom); err != nil {
		return nil, err
	}
	return &role, nil
}

func roleLists(role *domain.Role) (perms, parents []byte, err error) {
	if perms, err = json.Marshal(nonNil(role.Permissions)); err != nil {
		return nil, nil, err
	}
	if parents, err = json.Marshal(nonNil(role.InheritsFrom)); err != nil {
		return nil, nil, err
	}
	return perms, parents, nil
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
