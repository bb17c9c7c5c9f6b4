package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresCounter upserts into rate_counters. expires_at lets the cleanup sweep drop old windows.
type PostgresCounter struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresCounter(db *sql.DB, now func() time.Time) *PostgresCounter {
	if now == nil {
		now = time.Now
	}
	return &PostgresCounter{db: db, now: now}
}

func (c *PostgresCounter) Incr(ctx context.Context, key string, window int64, ttl time.Duration) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx,
		`INSERT INTO rate_counters (rate_key, window_index, count, expires_at) VALUES ($1, $2, 1, $3)
		ON CONFLICT (rate_key, window_index) DO UPDATE SET count = rate_counters.count + 1
		RETURNING count`,
		key, window, c.now().Add(ttl).UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres incr: %w", err)
	}
	return n, nil
}

// DeleteExpired drops windows whose TTL has passed.
func (c *PostgresCounter) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres delete expired counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
