package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"sessionguard/internal/session/domain"
)

const sessionColumns = `id, user_id, family_id, ip_address, user_agent, suspicious, status, created_at, last_access_at, expires_at`

// PostgresStore persists sessions and token families in Postgres. Expiry comparisons use the
// store clock rather than the database clock so every backend agrees on "now".
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore returns a Store that uses the given db for persistence.
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{db: db, now: o.now}
}

func (r *PostgresStore) Create(ctx context.Context, s *domain.Session, ttl time.Duration) error {
	s.ExpiresAt = s.CreatedAt.Add(ttl)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.UserID, s.FamilyID, s.IPAddress, s.UserAgent, s.Suspicious, string(s.Status),
		s.CreatedAt.UTC(), s.LastAccessAt.UTC(), s.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres create session: %w", err)
	}
	return nil
}

// Get returns the session for id, or nil if not found or expired.
// It returns an error only for database failures and for revoked sessions.
func (r *PostgresStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND expires_at > $2`,
		id, r.now().UTC(),
	)
	var (
		s      domain.Session
		status string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.FamilyID, &s.IPAddress, &s.UserAgent, &s.Suspicious, &status,
		&s.CreatedAt, &s.LastAccessAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres get session: %w", err)
	}
	s.Status = domain.Status(status)
	if s.Status == domain.StatusRevoked {
		return nil, ErrRevoked
	}
	return &s, nil
}

// Update applies the patch with COALESCE so absent fields keep their stored value.
func (r *PostgresStore) Update(ctx context.Context, id string, patch domain.Patch) error {
	var (
		lastAccess sql.NullTime
		ip, ua     sql.NullString
		suspicious sql.NullBool
		status     sql.NullString
	)
	if patch.LastAccessAt != nil {
		lastAccess = sql.NullTime{Time: patch.LastAccessAt.UTC(), Valid: true}
	}
	if patch.IPAddress != nil {
		ip = sql.NullString{String: *patch.IPAddress, Valid: true}
	}
	if patch.UserAgent != nil {
		ua = sql.NullString{String: *patch.UserAgent, Valid: true}
	}
	if patch.Suspicious != nil {
		suspicious = sql.NullBool{Bool: *patch.Suspicious, Valid: true}
	}
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET
		last_access_at = COALESCE($2, last_access_at),
		ip_address = COALESCE($3, ip_address),
		user_agent = COALESCE($4, user_agent),
		suspicious = COALESCE($5, suspicious),
		status = COALESCE($6, status)
		WHERE id = $1 AND expires_at > $7`,
		id, lastAccess, ip, ua, suspicious, status, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres update session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres delete session: %w", err)
	}
	return nil
}

func (r *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres delete expired sessions: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM token_families WHERE expires_at <= $1`, now.UTC()); err != nil {
		return int(n), fmt.Errorf("postgres delete expired families: %w", err)
	}
	return int(n), nil
}

func (r *PostgresStore) CreateFamily(ctx context.Context, f *domain.Family) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_families (id, user_id, current_jti, token_hash, revoked, created_at, rotated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.UserID, f.CurrentJTI, f.TokenHash, f.Revoked, f.CreatedAt.UTC(), f.RotatedAt.UTC(), f.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres create family: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetFamily(ctx context.Context, id string) (*domain.Family, error) {
	var f domain.Family
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, current_jti, token_hash, revoked, created_at, rotated_at, expires_at
		FROM token_families WHERE id = $1 AND expires_at > $2`,
		id, r.now().UTC(),
	).Scan(&f.ID, &f.UserID, &f.CurrentJTI, &f.TokenHash, &f.Revoked, &f.CreatedAt, &f.RotatedAt, &f.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres get family: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM sessions WHERE family_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres get family members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("postgres get family members: %w", err)
		}
		f.SessionIDs = append(f.SessionIDs, sid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres get family members: %w", err)
	}
	return &f, nil
}

// AdvanceFamily is a plain UPDATE with no version check; the last concurrent writer wins.
func (r *PostgresStore) AdvanceFamily(ctx context.Context, id, jti, tokenHash string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE token_families SET current_jti = $2, token_hash = $3, rotated_at = $4 WHERE id = $1`,
		id, jti, tokenHash, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres advance family: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres advance family: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) RevokeFamily(ctx context.Context, id string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres revoke family: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE token_families SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres revoke family: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("postgres revoke family: %w", err)
	} else if n == 0 {
		return nil, ErrNotFound
	}

	rows, err := tx.QueryContext(ctx,
		`UPDATE sessions SET status = $2 WHERE family_id = $1 RETURNING id`,
		id, string(domain.StatusRevoked),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres revoke family sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres revoke family sessions: %w", err)
		}
		ids = append(ids, sid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres revoke family sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres revoke family: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
