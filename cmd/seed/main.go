// seed inserts a development user with a local password identity. It is idempotent: an existing
// dev@example.com is left alone.
package main

import (
	"context"
	"os"
	"time"

	"sessionguard/internal/config"
	"sessionguard/internal/db"
	identitydomain "sessionguard/internal/identity/domain"
	identityrepo "sessionguard/internal/identity/repository"
	"sessionguard/internal/logging"
	"sessionguard/internal/security"
	userdomain "sessionguard/internal/user/domain"
	userrepo "sessionguard/internal/user/repository"
)

const (
	devUserEmail  = "dev@example.com"
	devPassword   = "password123"
	devUserID     = "dev-user-001"
	devIdentityID = "dev-identity-001"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "info", "production").Fatal().Err(err).Msg("config")
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("db")
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	identities := identityrepo.NewPostgresRepository(conn)

	existing, err := users.GetByEmail(ctx, devUserEmail)
	if err != nil {
		log.Fatal().Err(err).Msg("seed check")
	}
	if existing != nil {
		log.Info().Str("email", devUserEmail).Msg("seed already applied; skipping")
		return
	}

	hash, err := security.NewHasher(cfg.BcryptCost).Hash(devPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("hash password")
	}

	now := time.Now().UTC()
	user := &userdomain.User{
		ID:        devUserID,
		Email:     devUserEmail,
		Name:      "Dev User",
		Status:    userdomain.UserStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := users.Create(ctx, user); err != nil {
		log.Fatal().Err(err).Msg("create dev user")
	}
	if err := identities.Create(ctx, &identitydomain.Identity{
		ID:           devIdentityID,
		UserID:       devUserID,
		Provider:     identitydomain.IdentityProviderLocal,
		ProviderID:   devUserEmail,
		PasswordHash: hash,
		CreatedAt:    now,
	}); err != nil {
		log.Fatal().Err(err).Msg("create dev identity")
	}

	log.Info().Str("email", devUserEmail).Str("password", devPassword).Msg("seed completed")
}
