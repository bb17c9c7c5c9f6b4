package repository

import (
	"context"

	"sessionguard/internal/identity/domain"
)

// Repository defines persistence for identities. Getters return nil, nil when nothing matches.
type Repository interface {
	GetByUserAndProvider(ctx context.Context, userID string, provider domain.IdentityProvider) (*domain.Identity, error)
	Create(ctx context.Context, i *domain.Identity) error
	UpdatePasswordHash(ctx context.Context, id string, passwordHash string) error
}
