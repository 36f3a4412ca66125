package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// window holds the request counts of the current and previous fixed windows
// for one key.
type window struct {
	start      time.Time
	prev       int
	curr       int
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory sliding window counter.
//
// Each key keeps counts for the current and previous fixed windows. A request
// is allowed when prev*overlap + curr + 1 <= limit, where overlap is the share
// of the previous window still inside the sliding window. A background
// goroutine evicts stale entries every minute to bound memory.
type MemoryLimiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing limit requests per period per key.
// A background goroutine evicts keys idle for two periods or ten minutes,
// whichever is longer. Call Close to stop it.
func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{
		limit:   limit,
		period:  period,
		now:     time.Now,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow counts one request for key if the sliding window has room.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	start := now.Truncate(m.period)

	w, ok := m.windows[key]
	if !ok {
		w = &window{start: start}
		m.windows[key] = w
	}
	if !start.Equal(w.start) {
		if start.Sub(w.start) == m.period {
			w.prev = w.curr
		} else {
			w.prev = 0
		}
		w.curr = 0
		w.start = start
	}
	w.lastAccess = now

	overlap := 1 - float64(now.Sub(w.start))/float64(m.period)
	estimate := float64(w.prev)*overlap + float64(w.curr)

	res := Result{Limit: m.limit, ResetAt: w.start.Add(m.period)}
	if estimate+1 > float64(m.limit) {
		return res, nil
	}
	w.curr++
	res.Allowed = true
	res.Remaining = max(m.limit-int(math.Ceil(estimate+1)), 0)
	return res, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const minStaleThreshold = 10 * time.Minute

// cleanup periodically evicts windows that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-max(2*m.period, minStaleThreshold))
	for key, w := range m.windows {
		if w.lastAccess.Before(cutoff) {
			delete(m.windows, key)
		}
	}
}
