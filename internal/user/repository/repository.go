package repository

import (
	"context"

	"sessionguard/internal/user/domain"
)

// Repository defines persistence for users. Getters return nil, nil when the user does not exist.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	UpdateStatus(ctx context.Context, id string, status domain.UserStatus) error
}
