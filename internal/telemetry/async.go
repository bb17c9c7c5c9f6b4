package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sessionguard/internal/telemetry/domain"
)

// emitTimeout is the max time allowed for a single async emit. Used by EmitAsync and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration bounds Drain during shutdown. Must be >= emitTimeout so a started emit can finish.
const ShutdownDrainDuration = emitTimeout

var inflight sync.WaitGroup

// Drain waits for emits started by EmitAsync, giving up after timeout. Call it after the servers
// stop and before the OTel providers and Kafka producer shut down. It reports whether every emit finished.
func Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// emitter and event may be nil; EmitAsync then returns without starting a goroutine.
// The goroutine uses context.Background() so request cancellation does not abort an in-flight emit.
func EmitAsync(emitter EventEmitter, logger zerolog.Logger, event *domain.Event) {
	if emitter == nil || event == nil {
		return
	}
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("event_type", event.EventType).Msg("telemetry: emit panicked")
			}
		}()
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			logger.Warn().Err(err).Str("event_type", event.EventType).Msg("telemetry: async emit failed")
		}
	}()
}
