// Package ratelimit implements a fixed-window request limiter whose counters live in a
// shared store, so every instance sees the same count for a key.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidConfig is returned by New for a non-positive limit or window.
var ErrInvalidConfig = errors.New("ratelimit: limit and window must be positive")

// Counter atomically increments the counter for (key, window index). The first increment
// of a window must give the counter a TTL of ttl so stale windows disappear on their own.
type Counter interface {
	Incr(ctx context.Context, key string, window int64, ttl time.Duration) (int64, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the current window ends.
	ResetAt time.Time
	// RetryAfter is the time left in the window; set only when the request is rejected.
	RetryAfter time.Duration
}

// Limiter applies a fixed window of Window length allowing Limit requests per key.
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
	now     func() time.Time
}

// New returns a Limiter allowing limit requests per window for each key.
func New(counter Counter, limit int, window time.Duration, now func() time.Time) (*Limiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidConfig
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{counter: counter, limit: limit, window: window, now: now}, nil
}

func (l *Limiter) Limit() int { return l.limit }
func (l *Limiter) Window() time.Duration { return l.window }

// Allow counts one request for key. The returned error reports a counter store failure;
// the caller decides whether that fails open or closed.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	index := now.UnixNano() / int64(l.window)
	resetAt := time.Unix(0, (index+1)*int64(l.window)).UTC()

	count, err := l.counter.Incr(ctx, key, index, l.window)
	if err != nil {
		return Decision{Limit: l.limit}, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}

	d := Decision{
		Allowed: count <= int64(l.limit),
		Limit:   l.limit,
		ResetAt: resetAt,
	}
	if remaining := int64(l.limit) - count; remaining > 0 {
		d.Remaining = int(remaining)
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}

// windowKey is the storage key for one window of one rate key.
func windowKey(prefix, key string, window int64) string {
	return prefix + key + ":" + strconv.FormatInt(window, 10)
}
