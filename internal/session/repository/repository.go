package repository

import (
	"context"
	"errors"
	"time"

	"sessionguard/internal/session/domain"
)

var (
	// ErrNotFound is returned by writes that target a missing or expired record.
	ErrNotFound = errors.New("session: not found")
	// ErrRevoked is returned by Get for a revoked record that has not yet expired.
	ErrRevoked = errors.New("session: revoked")
)

// Repository persists session records. Implementations are safe for concurrent use
// and treat a record whose ExpiresAt is not after now as absent.
type Repository interface {
	// Create stores s and sets s.ExpiresAt to s.CreatedAt plus ttl.
	Create(ctx context.Context, s *domain.Session, ttl time.Duration) error
	// Get returns the active record for id, nil and no error when absent, or ErrRevoked.
	Get(ctx context.Context, id string) (*domain.Session, error)
	// Update writes only the patch's non-nil fields. It never recreates an absent record.
	Update(ctx context.Context, id string, patch domain.Patch) error
	// Delete removes the record; deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes records and families expired at now and reports how many sessions went.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// FamilyRepository persists refresh token families.
type FamilyRepository interface {
	CreateFamily(ctx context.Context, f *domain.Family) error
	// GetFamily returns the family with its member session ids, or nil when absent or expired.
	GetFamily(ctx context.Context, id string) (*domain.Family, error)
	// AdvanceFamily records jti and hash as the family's current refresh token. Concurrent
	// calls are last-write-wins.
	AdvanceFamily(ctx context.Context, id, jti, tokenHash string, at time.Time) error
	// RevokeFamily marks the family and every member session revoked and returns the member ids.
	RevokeFamily(ctx context.Context, id string) ([]string, error)
}

// Store is the full session store: records plus token families.
type Store interface {
	Repository
	FamilyRepository
}

// Option configures a store.
type Option func(*options)

type options struct {
	now    func() time.Time
	prefix string
}

// WithClock sets the time source used for expiry comparisons.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithKeyPrefix sets the Redis key prefix (default "sg:"). Other stores ignore it.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, prefix: "sg:"}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
