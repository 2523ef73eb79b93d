// Package ratelimit provides the per-identity request limiter used by the
// ingestion gateway. State is per process; multiple instances do not share
// counters.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request for key may proceed.
type Limiter interface {
	Allow(key string) Decision
}

type entry struct {
	count   int
	resetAt time.Time
}

// FixedWindow allows at most max requests per key in each window. The window
// starts at the first request for the key.
type FixedWindow struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	entries map[string]entry
}

// NewFixedWindow builds a limiter. A nil now uses time.Now.
func NewFixedWindow(max int, window time.Duration, now func() time.Time) *FixedWindow {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{
		max:     max,
		window:  window,
		now:     now,
		entries: map[string]entry{},
	}
}

// Allow records one request for key.
func (l *FixedWindow) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		l.entries[key] = entry{count: 1, resetAt: now.Add(l.window)}
		return Decision{Allowed: true, Remaining: l.max - 1}
	}
	if e.count >= l.max {
		return Decision{Allowed: false, RetryAfter: e.resetAt.Sub(now)}
	}
	e.count++
	l.entries[key] = e
	return Decision{Allowed: true, Remaining: l.max - e.count}
}

// Prune drops windows that have already ended.
func (l *FixedWindow) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}
