package repository

import (
	"context"

	"sessionguard/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.AuditLog, error)
	// ListBySession returns the newest entries first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.AuditLog, error)
	Create(ctx context.Context, a *domain.AuditLog) error
}
