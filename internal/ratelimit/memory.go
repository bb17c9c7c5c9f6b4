package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter keeps counters in process. Windows older than the latest one seen for a
// key are dropped on the next increment; DeleteExpired drops keys that went quiet.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]memoryWindow
}

type memoryWindow struct {
	index int64
	count int64
	ends  time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]memoryWindow)}
}

func (c *MemoryCounter) Incr(ctx context.Context, key string, window int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.counts[key]
	if w.index != window || w.count == 0 {
		w = memoryWindow{index: window, ends: time.Unix(0, (window+1)*int64(ttl))}
	}
	w.count++
	c.counts[key] = w
	return w.count, nil
}

// DeleteExpired drops every key whose window ended at or before now.
func (c *MemoryCounter) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, w := range c.counts {
		if !w.ends.After(now) {
			delete(c.counts, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live keys.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}
