package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"sessionguard/internal/audit/domain"
)

var cols = []string{"id", "user_id", "session_id", "action", "ip", "metadata", "created_at"}

func TestPostgresRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %s", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs("01HQ", sql.NullString{}, sql.NullString{String: "s1", Valid: true}, domain.ActionLogout, "10.0.0.1", sql.NullString{}, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Create(context.Background(), &domain.AuditLog{ID: "01HQ", SessionID: "s1", Action: domain.ActionLogout, IP: "10.0.0.1", CreatedAt: at})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %s", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM audit_log WHERE id = \\$1").
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a1", nil, "s1", domain.ActionRotate, "10.0.0.1", `{"x":1}`, at))
	got, err := repo.GetByID(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.UserID != "" || got.SessionID != "s1" || got.Metadata != `{"x":1}` {
		t.Errorf("got %+v", got)
	}

	mock.ExpectQuery("SELECT (.+) FROM audit_log WHERE id = \\$1").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	got, err = repo.GetByID(context.Background(), "nope")
	if err != nil || got != nil {
		t.Errorf("GetByID(nope) = %v, %v; want nil, nil", got, err)
	}
}

func TestPostgresRepository_ListBySession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %s", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM audit_log WHERE session_id = \\$1 ORDER BY created_at DESC").
		WithArgs("s1", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a2", "u1", "s1", domain.ActionLogout, "ip", nil, at.Add(time.Minute)).
			AddRow("a1", "u1", "s1", domain.ActionLogin, "ip", nil, at))
	list, err := repo.ListBySession(context.Background(), "s1", 2)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(list) != 2 || list[0].Action != domain.ActionLogout {
		t.Errorf("list = %+v", list)
	}
}
