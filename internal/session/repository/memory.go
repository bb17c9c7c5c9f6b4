package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"sessionguard/internal/session/domain"
)

// MemoryStore is an in-process Store for development and tests. It is not shared
// across instances, so multi-instance deployments use Redis or Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	families map[string]domain.Family
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		sessions: make(map[string]domain.Session),
		families: make(map[string]domain.Family),
		now:      o.now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *domain.Session, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ExpiresAt = s.CreatedAt.Add(ttl)
	m.mu.Lock()
	m.sessions[s.ID] = *s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || !m.now().Before(s.ExpiresAt) {
		return nil, nil
	}
	if s.Status == domain.StatusRevoked {
		return nil, ErrRevoked
	}
	return &s, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch domain.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !m.now().Before(s.ExpiresAt) {
		return ErrNotFound
	}
	patch.Apply(&s)
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	for id, f := range m.families {
		if !now.Before(f.ExpiresAt) {
			delete(m.families, id)
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateFamily(ctx context.Context, f *domain.Family) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	cp := *f
	cp.SessionIDs = nil
	m.families[f.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetFamily(ctx context.Context, id string) (*domain.Family, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.families[id]
	if !ok || !m.now().Before(f.ExpiresAt) {
		return nil, nil
	}
	f.SessionIDs = m.memberIDsLocked(id)
	return &f, nil
}

func (m *MemoryStore) AdvanceFamily(ctx context.Context, id, jti, tokenHash string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.families[id]
	if !ok {
		return ErrNotFound
	}
	f.CurrentJTI = jti
	f.TokenHash = tokenHash
	f.RotatedAt = at
	m.families[id] = f
	return nil
}

func (m *MemoryStore) RevokeFamily(ctx context.Context, id string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.families[id]
	if !ok {
		return nil, ErrNotFound
	}
	f.Revoked = true
	m.families[id] = f
	ids := m.memberIDsLocked(id)
	for _, sid := range ids {
		s := m.sessions[sid]
		s.Status = domain.StatusRevoked
		m.sessions[sid] = s
	}
	return ids, nil
}

func (m *MemoryStore) memberIDsLocked(familyID string) []string {
	var ids []string
	for id, s := range m.sessions {
		if s.FamilyID == familyID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
