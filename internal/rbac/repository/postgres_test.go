package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"enterprise-auth/backend/internal/rbac/domain"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

var roleRowColumns = []string{"name", "description", "permissions", "inherits_from", "min_clearance", "system", "active", "created_at", "updated_at"}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestPostgresRepository_GetRole(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM roles WHERE name = \\$1").WithArgs("editor").WillReturnRows(
		sqlmock.NewRows(roleRowColumns).AddRow("editor", "Edit", []byte(`["project:write"]`), []byte(`["viewer"]`), 1, true, true, now, now))

	role, err := NewPostgresRepository(db).GetRole(context.Background(), "editor")
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if role.Name != "editor" || role.MinClearance != userdomain.ClearanceRestricted || !role.System {
		t.Errorf("role = %+v", role)
	}
	if len(role.InheritsFrom) != 1 || role.InheritsFrom[0] != "viewer" {
		t.Errorf("InheritsFrom = %v", role.InheritsFrom)
	}
}

func TestPostgresRepository_GetRoleNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("FROM roles WHERE name").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	role, err := NewPostgresRepository(db).GetRole(context.Background(), "ghost")
	if err != nil || role != nil {
		t.Fatalf("GetRole = %v, %v; want nil, nil", role, err)
	}
}

func TestPostgresRepository_CreateRoleDuplicate(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("INSERT INTO roles").WillReturnError(&pgconn.PgError{Code: "23505"})

	err := NewPostgresRepository(db).CreateRole(context.Background(), &domain.Role{Name: "viewer"})
	if !errors.Is(err, ErrRoleExists) {
		t.Fatalf("err = %v, want ErrRoleExists", err)
	}
}

func TestPostgresRepository_DeleteRoleRemovesAssignments(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM role_assignments WHERE role = \\$1").WithArgs("temp").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM roles WHERE name = \\$1").WithArgs("temp").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := NewPostgresRepository(db).DeleteRole(context.Background(), "temp"); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresRepository_ListAssignmentsByUser(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM role_assignments WHERE user_id = \\$1").WithArgs("u1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "user_id", "role", "assigned_by", "assigned_at", "expires_at", "active"}).
			AddRow("a1", "u1", "viewer", "admin", now, nil, true).
			AddRow("a2", "u1", "editor", "admin", now, now.Add(time.Hour), false))

	list, err := NewPostgresRepository(db).ListAssignmentsByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListAssignmentsByUser: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if !list[0].ExpiresAt.IsZero() {
		t.Errorf("a1 ExpiresAt = %v, want zero", list[0].ExpiresAt)
	}
	if !list[1].ExpiresAt.Equal(now.Add(time.Hour)) || list[1].Active {
		t.Errorf("a2 = %+v", list[1])
	}
}

func TestPostgresRepository_DeactivateAssignments(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("UPDATE role_assignments SET active = false").WithArgs("u1", "viewer").WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := NewPostgresRepository(db).DeactivateAssignments(context.Background(), "u1", "viewer")
	if err != nil || n != 1 {
		t.Fatalf("DeactivateAssignments = %d, %v; want 1", n, err)
	}
}
