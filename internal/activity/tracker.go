// Package activity records per-request session activity after the response has been written.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sessionguard/internal/session/domain"
	"sessionguard/internal/session/repository"
	"sessionguard/internal/telemetry"
	telemetrydomain "sessionguard/internal/telemetry/domain"
)

const defaultTimeout = 5 * time.Second

// SessionUpdater is the slice of the session store the tracker writes to.
type SessionUpdater interface {
	Update(ctx context.Context, id string, patch domain.Patch) error
}

// Visit describes one completed request.
type Visit struct {
	SessionID string
	UserID    string
	IPAddress string
	UserAgent string
	Method    string
	Path      string
	Status    int
	StartedAt time.Time
	Duration  time.Duration
}

// Tracker updates last-access metadata and reports slow requests. All work runs on background
// goroutines; Wait blocks until they finish.
type Tracker struct {
	store         SessionUpdater
	emitter       telemetry.EventEmitter
	logger        zerolog.Logger
	slowThreshold time.Duration
	timeout       time.Duration
	wg            sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithEmitter sends session_activity and slow_request events to e.
func WithEmitter(e telemetry.EventEmitter) Option {
	return func(t *Tracker) { t.emitter = e }
}

// WithTimeout bounds each background update.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// NewTracker returns a Tracker writing to store. A non-positive slowThreshold disables slow-request reporting.
func NewTracker(store SessionUpdater, logger zerolog.Logger, slowThreshold time.Duration, opts ...Option) *Tracker {
	t := &Tracker{store: store, logger: logger, slowThreshold: slowThreshold, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TrackAsync records v without blocking. Failures and panics are logged, never returned.
func (t *Tracker) TrackAsync(v Visit) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error().Interface("panic", r).Str("session_id", v.SessionID).Msg("activity: tracking panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := t.Track(ctx, v); err != nil {
			t.logger.Warn().Err(err).Str("session_id", v.SessionID).Msg("activity: update failed")
		}
	}()
}

// Track records v synchronously. A session that disappeared in the meantime is not an error.
func (t *Tracker) Track(ctx context.Context, v Visit) error {
	slow := t.slowThreshold > 0 && v.Duration >= t.slowThreshold
	if slow {
		t.logger.Warn().
			Str("session_id", v.SessionID).
			Str("method", v.Method).
			Str("path", v.Path).
			Int("status", v.Status).
			Dur("duration", v.Duration).
			Msg("slow request")
	}
	t.emit(ctx, v, telemetrydomain.EventSessionActivity)
	if slow {
		t.emit(ctx, v, telemetrydomain.EventSlowRequest)
	}

	if v.SessionID == "" || t.store == nil {
		return nil
	}
	patch := domain.Patch{LastAccessAt: &v.StartedAt}
	if v.IPAddress != "" {
		patch.IPAddress = &v.IPAddress
	}
	if v.UserAgent != "" {
		patch.UserAgent = &v.UserAgent
	}
	err := t.store.Update(ctx, v.SessionID, patch)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

// Wait blocks until every TrackAsync call has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) emit(ctx context.Context, v Visit, eventType string) {
	if t.emitter == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"method":      v.Method,
		"path":        v.Path,
		"status":      v.Status,
		"duration_ms": v.Duration.Milliseconds(),
		"ip":          v.IPAddress,
	})
	err := t.emitter.Emit(ctx, &telemetrydomain.Event{
		UserID:    v.UserID,
		SessionID: v.SessionID,
		EventType: eventType,
		Source:    "activity",
		Metadata:  meta,
		CreatedAt: v.StartedAt,
	})
	if err != nil {
		t.logger.Debug().Err(err).Str("event_type", eventType).Msg("activity: emit failed")
	}
}
