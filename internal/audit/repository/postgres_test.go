package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"enterprise-auth/backend/internal/audit/domain"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

func TestPostgresRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e := &domain.Event{ID: "01J", Timestamp: now, Type: domain.EventLoginFailure, UserID: "u1", IPAddress: "10.0.0.1",
		Method: "oidc", Reason: "OIDC_STATE_INVALID", Clearance: userdomain.ClearanceRestricted}
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs("01J", now, "login_failure", "u1", "", "10.0.0.1", "", "oidc", false, "OIDC_STATE_INVALID", 1, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewPostgresRepository(db).Create(context.Background(), e); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresRepository_ListBuildsFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM audit_events WHERE user_id = \$1 AND occurred_at >= \$2 ORDER BY occurred_at DESC LIMIT \$3`).
		WithArgs("u1", since, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "occurred_at", "event_type", "user_id", "session_id", "ip_address",
			"user_agent", "method", "success", "failure_reason", "clearance", "metadata"}).
			AddRow("e1", since.Add(time.Hour), "session_created", "u1", "s1", "", "", "oidc", true, "", 2, []byte(`{"device":"d1"}`)))

	got, err := NewPostgresRepository(db).List(context.Background(), domain.Filter{UserID: "u1", Since: since, Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	e := got[0]
	if e.Type != domain.EventSessionCreated || e.Clearance != userdomain.ClearanceConfidential || e.Metadata["device"] != "d1" {
		t.Errorf("event = %+v", e)
	}
}

func TestPostgresRepository_DeleteBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM audit_events WHERE occurred_at < \\$1").WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := NewPostgresRepository(db).DeleteBefore(context.Background(), cutoff)
	if err != nil || n != 7 {
		t.Fatalf("DeleteBefore = %d, %v; want 7", n, err)
	}
}
