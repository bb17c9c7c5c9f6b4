package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionguard/internal/platform/clock"
	"sessionguard/internal/session/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// harness builds a fresh store on a fake clock; advance moves both the clock and any native TTLs.
type harness struct {
	store   Store
	clk     *clock.Fake
	advance func(time.Duration)
}

type storeFactory func(t *testing.T) harness

func memoryHarness(t *testing.T) harness {
	clk := clock.NewFake(t0)
	return harness{store: NewMemoryStore(WithClock(clk.Now)), clk: clk, advance: clk.Advance}
}

func redisHarness(t *testing.T) harness {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clock.NewFake(t0)
	return harness{
		store: NewRedisStore(rdb, WithClock(clk.Now)),
		clk:   clk,
		advance: func(d time.Duration) {
			clk.Advance(d)
			mr.FastForward(d)
		},
	}
}

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": memoryHarness,
		"redis":  redisHarness,
	}
}

func newSession(id, familyID string, at time.Time) *domain.Session {
	return &domain.Session{
		ID:           id,
		UserID:       "u1",
		FamilyID:     familyID,
		IPAddress:    "10.0.0.1",
		UserAgent:    "curl/8",
		Status:       domain.StatusActive,
		CreatedAt:    at,
		LastAccessAt: at,
	}
}

func TestStore_CreateGet(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			ctx := context.Background()
			s := newSession("s1", "f1", t0)
			require.NoError(t, h.store.Create(ctx, s, time.Hour))
			assert.True(t, s.ExpiresAt.Equal(t0.Add(time.Hour)))

			got, err := h.store.Get(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "u1", got.UserID)
			assert.Equal(t, "f1", got.FamilyID)
			assert.Equal(t, "10.0.0.1", got.IPAddress)
			assert.Equal(t, "curl/8", got.UserAgent)
			assert.Equal(t, domain.StatusActive, got.Status)
			assert.False(t, got.Suspicious)
			assert.True(t, got.LastAccessAt.Equal(t0))
			assert.True(t, got.ExpiresAt.Equal(t0.Add(time.Hour)))

			missing, err := h.store.Get(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestStore_ExpiredIsAbsent(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			ctx := context.Background()
			require.NoError(t, h.store.Create(ctx, newSession("s1", "", t0), time.Hour))

			h.advance(time.Hour - time.Second)
			got, err := h.store.Get(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got, "record should live until its TTL")

			h.advance(time.Second)
			got, err = h.store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Nil(t, got, "record must be unreachable at TTL")

			ip := "10.0.0.9"
			err = h.store.Update(ctx, "s1", domain.Patch{IPAddress: &ip})
			assert.ErrorIs(t, err, ErrNotFound, "update must not resurrect an expired record")
		})
	}
}

func TestStore_UpdateIsFieldLevel(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			ctx := context.Background()
			require.NoError(t, h.store.Create(ctx, newSession("s1", "", t0), time.Hour))

			at := t0.Add(time.Minute)
			flag := true
			require.NoError(t, h.store.Update(ctx, "s1", domain.Patch{LastAccessAt: &at, Suspicious: &flag}))

			got, err := h.store.Get(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.LastAccessAt.Equal(at))
			assert.True(t, got.Suspicious)
			assert.Equal(t, "10.0.0.1", got.IPAddress, "unpatched field must survive")
			assert.Equal(t, "curl/8", got.UserAgent)

			assert.ErrorIs(t, h.store.Update(ctx, "missing", domain.Patch{Suspicious: &flag}), ErrNotFound)
			got, err = h.store.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, got, "update must not create a record")
		})
	}
}

func TestStore_RevokedIsNeverReturned(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			ctx := context.Background()
			require.NoError(t, h.store.Create(ctx, newSession("s1", "", t0), time.Hour))

			revoked := domain.StatusRevoked
			require.NoError(t, h.store.Update(ctx, "s1", domain.Patch{Status: &revoked}))

			got, err := h.store.Get(ctx, "s1")
			assert.ErrorIs(t, err, ErrRevoked)
			assert.Nil(t, got)
		})
	}
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			ctx := context.Background()
			require.NoError(t, h.store.Create(ctx, newSession("s1", "f1", t0), time.Hour))
			require.NoError(t, h.store.Delete(ctx, "s1"))
			require.NoError(t, h.store.Delete(ctx, "s1"))

			got, err := h.store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func createFamily(t *testing.T, h harness, id string) {
	t.Helper()
	require.NoError(t, h.store.CreateFamily(context.Background(), &domain.Family{
		ID:         id,
		UserID:     "u1",
		CurrentJTI: "jti-1",
		TokenHash:  "hash-1",
		CreatedAt:  t0,
		RotatedAt:  t0,
		ExpiresAt:  t0.Add(2 * time.Hour),
	}))
}

func TestStore_FamilyLifecycle(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			ctx := context.Background()
			createFamily(t, h, "f1")
			require.NoError(t, h.store.Create(ctx, newSession("s1", "f1", t0), 2*time.Hour))
			require.NoError(t, h.store.Create(ctx, newSession("s2", "f1", t0), 2*time.Hour))
			require.NoError(t, h.store.Create(ctx, newSession("other", "f2", t0), 2*time.Hour))

			f, err := h.store.GetFamily(ctx, "f1")
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, "jti-1", f.CurrentJTI)
			assert.Equal(t, []string{"s1", "s2"}, f.SessionIDs)
			assert.False(t, f.Revoked)

			rotated := t0.Add(time.Minute)
			require.NoError(t, h.store.AdvanceFamily(ctx, "f1", "jti-2", "hash-2", rotated))
			f, err = h.store.GetFamily(ctx, "f1")
			require.NoError(t, err)
			assert.Equal(t, "jti-2", f.CurrentJTI)
			assert.Equal(t, "hash-2", f.TokenHash)
			assert.True(t, f.RotatedAt.Equal(rotated))

			ids, err := h.store.RevokeFamily(ctx, "f1")
			require.NoError(t, err)
			assert.Equal(t, []string{"s1", "s2"}, ids)

			for _, id := range ids {
				_, err := h.store.Get(ctx, id)
				assert.ErrorIs(t, err, ErrRevoked, "member %s should be revoked", id)
			}
			other, err := h.store.Get(ctx, "other")
			require.NoError(t, err)
			assert.NotNil(t, other, "sessions outside the family are untouched")

			f, err = h.store.GetFamily(ctx, "f1")
			require.NoError(t, err)
			assert.True(t, f.Revoked)
		})
	}
}

func TestStore_FamilyMissing(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			ctx := context.Background()

			f, err := h.store.GetFamily(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, f)
			assert.ErrorIs(t, h.store.AdvanceFamily(ctx, "nope", "j", "h", t0), ErrNotFound)
			_, err = h.store.RevokeFamily(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			createFamily(t, h, "f1")
			h.advance(2 * time.Hour)
			f, err = h.store.GetFamily(ctx, "f1")
			require.NoError(t, err)
			assert.Nil(t, f, "expired family is absent")
		})
	}
}

func TestStore_ConcurrentAdvanceLastWriteWins(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			ctx := context.Background()
			createFamily(t, h, "f1")

			var wg sync.WaitGroup
			jtis := []string{"a", "b", "c", "d"}
			for _, j := range jtis {
				wg.Add(1)
				go func(j string) {
					defer wg.Done()
					assert.NoError(t, h.store.AdvanceFamily(ctx, "f1", j, "h-"+j, t0))
				}(j)
			}
			wg.Wait()

			f, err := h.store.GetFamily(ctx, "f1")
			require.NoError(t, err)
			assert.Contains(t, jtis, f.CurrentJTI)
			assert.Equal(t, "h-"+f.CurrentJTI, f.TokenHash, "jti and hash are written together")
		})
	}
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	h := memoryHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, newSession("short", "", t0), time.Minute))
	require.NoError(t, h.store.Create(ctx, newSession("long", "", t0), time.Hour))
	createFamily(t, h, "f1")

	n, err := h.store.DeleteExpired(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.store.DeleteExpired(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "sweep is idempotent")

	h.advance(30 * time.Minute)
	got, err := h.store.Get(ctx, "long")
	require.NoError(t, err)
	assert.NotNil(t, got)

	n, err = h.store.DeleteExpired(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.clk.Set(t0)
	f, err := h.store.GetFamily(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, f, "expired families are swept too")
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	h := memoryHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.store.Get(ctx, "s1")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRedisStore_NativeTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	clk := clock.NewFake(t0)
	store := NewRedisStore(rdb, WithClock(clk.Now), WithKeyPrefix("test:"))

	require.NoError(t, store.Create(context.Background(), newSession("s1", "f1", t0), time.Hour))
	assert.True(t, mr.Exists("test:session:s1"))
	assert.Equal(t, time.Hour, mr.TTL("test:session:s1"))
	ok, err := mr.SIsMember("test:family:f1:sessions", "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Hour)
	assert.False(t, mr.Exists("test:session:s1"))

	n, err := store.DeleteExpired(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	store := NewRedisStore(rdb)
	mr.Close()

	_, err := store.Get(context.Background(), "s1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
