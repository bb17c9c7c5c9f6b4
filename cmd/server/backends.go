package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	auditrepo "sessionguard/internal/audit/repository"
	"sessionguard/internal/cleanup"
	"sessionguard/internal/config"
	"sessionguard/internal/db"
	healthhandler "sessionguard/internal/health/handler"
	identityrepo "sessionguard/internal/identity/repository"
	"sessionguard/internal/ratelimit"
	sessionrepo "sessionguard/internal/session/repository"
	userrepo "sessionguard/internal/user/repository"
)

// backends are the stores selected by configuration.
type backends struct {
	sessions   sessionrepo.Store
	counter    ratelimit.Counter
	users      userrepo.Repository
	identities identityrepo.Repository
	audit      auditrepo.Repository
	sweepers   []cleanup.Option
	checks     []healthhandler.Check
	closers    []func() error
}

func (b *backends) Close(log zerolog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close backend")
		}
	}
}

// openBackends connects Postgres when DATABASE_URL is set (users, identities and the audit log
// live there) and picks the session store and rate counter from SESSION_STORE.
func openBackends(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backends, error) {
	b := &backends{
		users:      userrepo.NewMemoryRepository(),
		identities: identityrepo.NewMemoryRepository(),
		audit:      auditrepo.NewMemoryRepository(),
	}

	var pg *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		pg, err = db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		b.checks = append(b.checks, healthhandler.Check{Name: "postgres", Pinger: pg})
		b.users = userrepo.NewPostgresRepository(pg)
		b.identities = identityrepo.NewPostgresRepository(pg)
		b.audit = auditrepo.NewPostgresRepository(pg)
	} else {
		log.Warn().Msg("DATABASE_URL not set; users and audit log are kept in memory")
	}

	switch cfg.SessionStore {
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close(log)
			return nil, fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		b.closers = append(b.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			b.Close(log)
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.checks = append(b.checks, healthhandler.Check{Name: "redis", Pinger: healthhandler.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})})
		b.sessions = sessionrepo.NewRedisStore(rdb)
		b.counter = ratelimit.NewRedisCounter(rdb, "sg:rl:")
	case config.StorePostgres:
		counter := ratelimit.NewPostgresCounter(pg, time.Now)
		b.sessions = sessionrepo.NewPostgresStore(pg)
		b.counter = counter
		b.sweepers = append(b.sweepers, cleanup.WithSweeper("rate_counters", counter))
	default:
		counter := ratelimit.NewMemoryCounter()
		b.sessions = sessionrepo.NewMemoryStore()
		b.counter = counter
		b.sweepers = append(b.sweepers, cleanup.WithSweeper("rate_counters", counter))
	}
	b.sweepers = append([]cleanup.Option{cleanup.WithSweeper("sessions", b.sessions)}, b.sweepers...)
	return b, nil
}
