package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sessionguard/internal/session/domain"
)

// updateScript applies HSET only while the record exists and has not passed its
// expires_at (ARGV[1], unix ms), so a patch never resurrects a record.
var updateScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp or tonumber(exp) <= tonumber(ARGV[1]) then
  return 0
end
if #ARGV > 1 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 2))
end
return 1
`)

var advanceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'current_jti', ARGV[1], 'token_hash', ARGV[2], 'rotated_at', ARGV[3])
return 1
`)

// revokeScript marks the family and each member session revoked. ARGV[1] is the session key prefix.
var revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HSET', KEYS[1], 'revoked', '1')
local ids = redis.call('SMEMBERS', KEYS[2])
for _, id in ipairs(ids) do
  local k = ARGV[1] .. id
  if redis.call('EXISTS', k) == 1 then
    redis.call('HSET', k, 'status', 'revoked')
  end
end
return ids
`)

// RedisStore keeps each session in a hash with a native TTL, and each family in a hash
// plus a set of member session ids.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore returns a Store backed by rdb.
func NewRedisStore(rdb redis.UniversalClient, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{rdb: rdb, prefix: o.prefix, now: o.now}
}

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) familyKey(id string) string { return r.prefix + "family:" + id }
func (r *RedisStore) membersKey(id string) string { return r.prefix + "family:" + id + ":sessions" }
func (r *RedisStore) sessionPrefix() string { return r.prefix + "session:" }

func (r *RedisStore) Create(ctx context.Context, s *domain.Session, ttl time.Duration) error {
	s.ExpiresAt = s.CreatedAt.Add(ttl)
	key := r.sessionKey(s.ID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeSession(s)...)
		pipe.PExpire(ctx, key, ttl)
		if s.FamilyID != "" {
			members := r.membersKey(s.FamilyID)
			pipe.SAdd(ctx, members, s.ID)
			pipe.PExpire(ctx, members, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	fields, err := r.rdb.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	s := decodeSession(id, fields)
	if !r.now().Before(s.ExpiresAt) {
		return nil, nil
	}
	if s.Status == domain.StatusRevoked {
		return nil, ErrRevoked
	}
	return s, nil
}

func (r *RedisStore) Update(ctx context.Context, id string, patch domain.Patch) error {
	args := []interface{}{unixMilli(r.now())}
	args = append(args, encodePatch(patch)...)
	ok, err := updateScript.Run(ctx, r.rdb, []string{r.sessionKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("redis update session: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	key := r.sessionKey(id)
	familyID, err := r.rdb.HGet(ctx, key, "family_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete session: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if familyID != "" {
			pipe.SRem(ctx, r.membersKey(familyID), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op: Redis evicts expired keys itself.
func (r *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *RedisStore) CreateFamily(ctx context.Context, f *domain.Family) error {
	key := r.familyKey(f.ID)
	ttl := f.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("redis create family: expiry %s is not in the future", f.ExpiresAt)
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user_id", f.UserID,
			"current_jti", f.CurrentJTI,
			"token_hash", f.TokenHash,
			"revoked", boolField(f.Revoked),
			"created_at", unixMilli(f.CreatedAt),
			"rotated_at", unixMilli(f.RotatedAt),
			"expires_at", unixMilli(f.ExpiresAt),
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create family: %w", err)
	}
	return nil
}

func (r *RedisStore) GetFamily(ctx context.Context, id string) (*domain.Family, error) {
	fields, err := r.rdb.HGetAll(ctx, r.familyKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get family: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	f := &domain.Family{
		ID:         id,
		UserID:     fields["user_id"],
		CurrentJTI: fields["current_jti"],
		TokenHash:  fields["token_hash"],
		Revoked:    fields["revoked"] == "1",
		CreatedAt:  parseMilli(fields["created_at"]),
		RotatedAt:  parseMilli(fields["rotated_at"]),
		ExpiresAt:  parseMilli(fields["expires_at"]),
	}
	if !r.now().Before(f.ExpiresAt) {
		return nil, nil
	}
	members, err := r.rdb.SMembers(ctx, r.membersKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get family members: %w", err)
	}
	sort.Strings(members)
	f.SessionIDs = members
	return f, nil
}

func (r *RedisStore) AdvanceFamily(ctx context.Context, id, jti, tokenHash string, at time.Time) error {
	ok, err := advanceScript.Run(ctx, r.rdb, []string{r.familyKey(id)}, jti, tokenHash, unixMilli(at)).Int()
	if err != nil {
		return fmt.Errorf("redis advance family: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) RevokeFamily(ctx context.Context, id string) ([]string, error) {
	ids, err := revokeScript.Run(ctx, r.rdb, []string{r.familyKey(id), r.membersKey(id)}, r.sessionPrefix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis revoke family: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func encodeSession(s *domain.Session) []interface{} {
	return []interface{}{
		"user_id", s.UserID,
		"family_id", s.FamilyID,
		"ip", s.IPAddress,
		"ua", s.UserAgent,
		"suspicious", boolField(s.Suspicious),
		"status", string(s.Status),
		"created_at", unixMilli(s.CreatedAt),
		"last_access_at", unixMilli(s.LastAccessAt),
		"expires_at", unixMilli(s.ExpiresAt),
	}
}

func encodePatch(p domain.Patch) []interface{} {
	var out []interface{}
	if p.LastAccessAt != nil {
		out = append(out, "last_access_at", unixMilli(*p.LastAccessAt))
	}
	if p.IPAddress != nil {
		out = append(out, "ip", *p.IPAddress)
	}
	if p.UserAgent != nil {
		out = append(out, "ua", *p.UserAgent)
	}
	if p.Suspicious != nil {
		out = append(out, "suspicious", boolField(*p.Suspicious))
	}
	if p.Status != nil {
		out = append(out, "status", string(*p.Status))
	}
	return out
}

func decodeSession(id string, f map[string]string) *domain.Session {
	return &domain.Session{
		ID:           id,
		UserID:       f["user_id"],
		FamilyID:     f["family_id"],
		IPAddress:    f["ip"],
		UserAgent:    f["ua"],
		Suspicious:   f["suspicious"] == "1",
		Status:       domain.Status(f["status"]),
		CreatedAt:    parseMilli(f["created_at"]),
		LastAccessAt: parseMilli(f["last_access_at"]),
		ExpiresAt:    parseMilli(f["expires_at"]),
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Times are stored as unix milliseconds so Lua can compare them without float precision loss.
func unixMilli(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMilli(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
