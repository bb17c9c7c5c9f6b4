package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"sessionguard/internal/user/domain"
)

// ErrDuplicateEmail is returned by MemoryRepository.Create for an email already on file.
var ErrDuplicateEmail = errors.New("user: email already exists")

// MemoryRepository keeps users in process.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]*domain.User
	byEmail map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*domain.User), byEmail: make(map[string]string)}
}

func (m *MemoryRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	m.mu.RLock()
	id, ok := m.byEmail[strings.ToLower(email)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryRepository) Create(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, ok := m.byEmail[email]; ok {
		return ErrDuplicateEmail
	}
	cp := *u
	m.byID[u.ID] = &cp
	m.byEmail[email] = u.ID
	return nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id string, status domain.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		u.Status = status
		u.UpdatedAt = time.Now().UTC()
	}
	return nil
}
