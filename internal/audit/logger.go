package audit

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"sessionguard/internal/audit/domain"
	auditrepo "sessionguard/internal/audit/repository"
)

// DefaultWriteTimeout bounds a single background audit write.
const DefaultWriteTimeout = 5 * time.Second

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event. LogEvent is best-effort: failures are logged and do not
// affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, userID, sessionID, action, metadata string)
}

// Logger implements AuditLogger using the audit repository and an optional IP extractor.
// Writes run on background goroutines; call Wait before closing the repository.
type Logger struct {
	repo         auditrepo.Repository
	ipExtractor  IPExtractor
	log          zerolog.Logger
	now          func() time.Time
	writeTimeout time.Duration
	wg           sync.WaitGroup
}

// Option configures a Logger.
type Option func(*Logger)

// WithWriteTimeout bounds each background write. Non-positive values keep DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// NewLogger returns an AuditLogger that persists to repo. ipExtractor may be nil; then IP is
// recorded as "unknown".
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor, log zerolog.Logger, opts ...Option) *Logger {
	l := &Logger{repo: repo, ipExtractor: ipExtractor, log: log, now: time.Now, writeTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogEvent builds one audit entry from the request context and persists it in the background, so a
// slow audit store never holds up the caller. Entry ids are ULIDs so they sort by time.
func (l *Logger) LogEvent(ctx context.Context, userID, sessionID, action, metadata string) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	now := l.now().UTC()
	entry := &domain.AuditLog{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: now,
	}
	// Keep trace values but not the request deadline; the request may finish first.
	base := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.log.Error().Interface("panic", r).Str("action", action).Msg("audit: write panicked")
			}
		}()
		wctx, cancel := context.WithTimeout(base, l.writeTimeout)
		defer cancel()
		if err := l.repo.Create(wctx, entry); err != nil {
			l.log.Error().Err(err).Str("action", action).Str("session_id", sessionID).Msg("audit: failed to log event")
		}
	}()
}

// Wait blocks until every pending write has finished or timed out.
func (l *Logger) Wait() {
	if l == nil {
		return
	}
	l.wg.Wait()
}
