// Package ratelimit implements the per-key sliding-window attempt counter
// guarding credential-sensitive endpoints.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults for credential endpoints: 5 attempts per rolling 60 seconds.
const (
	DefaultWindow = 60 * time.Second
	DefaultLimit  = 5
)

// Limiter counts attempts per key over a sliding window. State is
// in-process; stale entries are pruned lazily on access. Safe for concurrent
// use.
type Limiter struct {
	window time.Duration
	limit  int

	mu       sync.Mutex
	attempts map[string][]time.Time

	// now returns the current time; overridable in tests.
	now func() time.Time
}

// New creates a Limiter. Non-positive arguments fall back to the defaults.
func New(window time.Duration, limit int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Limiter{
		window:   window,
		limit:    limit,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records an attempt for key if it is under the cap and returns
// (true, 0). At the cap it records nothing and returns false plus the whole
// seconds until the oldest in-window attempt slides out.
func (l *Limiter) Allow(key string) (ok bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.attempts[key][:0]
	for _, t := range l.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.attempts[key] = kept
		retry := kept[0].Add(l.window).Sub(now)
		secs := int(retry / time.Second)
		if retry%time.Second != 0 || secs == 0 {
			secs++
		}
		return false, secs
	}

	l.attempts[key] = append(kept, now)
	return true, 0
}

// Reset clears all recorded attempts. Exposed for test harnesses.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = make(map[string][]time.Time)
}

// SetClock replaces the time source. Exposed for test harnesses.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
