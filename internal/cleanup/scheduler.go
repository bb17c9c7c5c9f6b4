// Package cleanup runs the expired-record sweep from inside the request path, at most once per interval.
package cleanup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultSweepTimeout = 30 * time.Second

// Sweeper removes records that expired at or before now and reports how many went.
type Sweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type namedSweeper struct {
	name string
	s    Sweeper
}

// Scheduler holds the last-run timestamp. It is safe for concurrent use.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	sweepers []namedSweeper
	lastRun  atomic.Int64 // unix nanos
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSweeper registers a store to sweep. Sweepers run in registration order.
func WithSweeper(name string, s Sweeper) Option {
	return func(sc *Scheduler) {
		if s != nil {
			sc.sweepers = append(sc.sweepers, namedSweeper{name: name, s: s})
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(sc *Scheduler) {
		if now != nil {
			sc.now = now
		}
	}
}

// New returns a Scheduler whose first sweep becomes due one interval after construction.
func New(interval time.Duration, logger zerolog.Logger, opts ...Option) *Scheduler {
	sc := &Scheduler{interval: interval, timeout: defaultSweepTimeout, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(sc)
	}
	sc.lastRun.Store(sc.now().UnixNano())
	return sc
}

// MaybeRun starts a background sweep when more than one interval has passed since the last one.
// Among concurrent callers exactly one wins; it reports whether this call started the sweep.
func (sc *Scheduler) MaybeRun() bool {
	now := sc.now()
	last := sc.lastRun.Load()
	if now.UnixNano()-last <= int64(sc.interval) {
		return false
	}
	if !sc.lastRun.CompareAndSwap(last, now.UnixNano()) {
		return false
	}
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				sc.logger.Error().Interface("panic", r).Msg("cleanup: sweep panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
		defer cancel()
		if _, err := sc.Run(ctx, now); err != nil {
			sc.logger.Error().Err(err).Msg("cleanup: sweep failed")
		}
	}()
	return true
}

// Run sweeps every registered store synchronously. A failing store does not stop the others.
func (sc *Scheduler) Run(ctx context.Context, now time.Time) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, ns := range sc.sweepers {
		n, err := ns.s.DeleteExpired(ctx, now)
		total += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			sc.logger.Info().Str("store", ns.name).Int("removed", n).Msg("cleanup: expired records removed")
		}
	}
	return total, errors.Join(errs...)
}

// Wait blocks until any running sweep finishes.
func (sc *Scheduler) Wait() {
	sc.wg.Wait()
}
