package repository

import (
	"context"
	"sync"

	"sessionguard/internal/identity/domain"
)

// MemoryRepository keeps identities in process.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]*domain.Identity
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*domain.Identity)}
}

func (m *MemoryRepository) GetByUserAndProvider(_ context.Context, userID string, provider domain.IdentityProvider) (*domain.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, i := range m.byID {
		if i.UserID == userID && i.Provider == provider {
			cp := *i
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) Create(_ context.Context, i *domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *i
	m.byID[i.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdatePasswordHash(_ context.Context, id string, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byID[id]; ok {
		i.PasswordHash = passwordHash
	}
	return nil
}
