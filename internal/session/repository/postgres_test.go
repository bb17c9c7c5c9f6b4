package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionguard/internal/session/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet(), "unmet expectations")
		db.Close()
	})
	return NewPostgresStore(db, WithClock(func() time.Time { return t0 })), mock
}

var sessionCols = []string{"id", "user_id", "family_id", "ip_address", "user_agent", "suspicious", "status", "created_at", "last_access_at", "expires_at"}

func TestPostgresStore_Create(t *testing.T) {
	store, mock := newMockStore(t)
	s := newSession("s1", "f1", t0)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s1", "u1", "f1", "10.0.0.1", "curl/8", false, "active", t0, t0, t0.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), s, time.Hour))
	assert.True(t, s.ExpiresAt.Equal(t0.Add(time.Hour)), "ExpiresAt = %v", s.ExpiresAt)
}

func TestPostgresStore_Get(t *testing.T) {
	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		err     error
		wantNil bool
		wantErr error
	}{
		{
			name: "active",
			rows: sqlmock.NewRows(sessionCols).
				AddRow("s1", "u1", "f1", "10.0.0.1", "curl/8", true, "active", t0, t0, t0.Add(time.Hour)),
		},
		{
			name:    "revoked",
			rows:    sqlmock.NewRows(sessionCols).AddRow("s1", "u1", "f1", "", "", false, "revoked", t0, t0, t0.Add(time.Hour)),
			wantNil: true,
			wantErr: ErrRevoked,
		},
		{
			name:    "missing or expired",
			err:     sql.ErrNoRows,
			wantNil: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			q := mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id = \\$1 AND expires_at > \\$2").WithArgs("s1", t0)
			if tt.err != nil {
				q.WillReturnError(tt.err)
			} else {
				q.WillReturnRows(tt.rows)
			}

			got, err := store.Get(context.Background(), "s1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, got.Suspicious)
			assert.Equal(t, domain.StatusActive, got.Status)
			assert.Equal(t, "f1", got.FamilyID)
		})
	}
}

func TestPostgresStore_GetDatabaseError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM sessions").WillReturnError(errors.New("connection reset"))

	got, err := store.Get(context.Background(), "s1")
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestPostgresStore_Update(t *testing.T) {
	store, mock := newMockStore(t)
	ip := "10.0.0.2"
	flag := true

	mock.ExpectExec("UPDATE sessions SET").
		WithArgs("s1", nil, ip, nil, flag, nil, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Update(context.Background(), "s1", domain.Patch{IPAddress: &ip, Suspicious: &flag}))

	mock.ExpectExec("UPDATE sessions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Update(context.Background(), "gone", domain.Patch{IPAddress: &ip}), ErrNotFound)
}

func TestPostgresStore_DeleteExpired(t *testing.T) {
	store, mock := newMockStore(t)
	now := t0.Add(time.Hour)
	mock.ExpectExec("DELETE FROM sessions WHERE expires_at <= \\$1").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM token_families WHERE expires_at <= \\$1").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresStore_GetFamily(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM token_families WHERE id = \\$1").
		WithArgs("f1", t0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "current_jti", "token_hash", "revoked", "created_at", "rotated_at", "expires_at"}).
			AddRow("f1", "u1", "jti-1", "hash-1", false, t0, t0, t0.Add(time.Hour)))
	mock.ExpectQuery("SELECT id FROM sessions WHERE family_id = \\$1").
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1").AddRow("s2"))

	f, err := store.GetFamily(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "jti-1", f.CurrentJTI)
	assert.Len(t, f.SessionIDs, 2)
}

func TestPostgresStore_AdvanceFamily(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE token_families SET current_jti").
		WithArgs("f1", "jti-2", "hash-2", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.AdvanceFamily(context.Background(), "f1", "jti-2", "hash-2", t0))

	mock.ExpectExec("UPDATE token_families SET current_jti").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.AdvanceFamily(context.Background(), "nope", "j", "h", t0), ErrNotFound)
}

func TestPostgresStore_RevokeFamily(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE token_families SET revoked = TRUE").WithArgs("f1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE sessions SET status = \\$2 WHERE family_id = \\$1 RETURNING id").
		WithArgs("f1", "revoked").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s2").AddRow("s1"))
	mock.ExpectCommit()

	ids, err := store.RevokeFamily(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)
}

func TestPostgresStore_RevokeFamilyMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE token_families SET revoked = TRUE").WithArgs("nope").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.RevokeFamily(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
