package repository

import (
	"context"
	"sort"
	"sync"

	"sessionguard/internal/audit/domain"
)

// MemoryRepository keeps audit logs in process; used by the memory deployment and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []*domain.AuditLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) GetByID(_ context.Context, id string) (*domain.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) ListBySession(_ context.Context, sessionID string, limit int) ([]*domain.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AuditLog
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.entries = append(m.entries, &cp)
	return nil
}

// Actions returns every recorded action ordered by CreatedAt. Writes may land out of order.
func (m *MemoryRepository) Actions() []string {
	m.mu.RLock()
	entries := append([]*domain.AuditLog(nil), m.entries...)
	m.mu.RUnlock()
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}
