package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how many hits pass between stale entry sweeps.
const sweepEvery = 4096

type memoryEntry struct {
	window int64
	count  int
}

// MemoryLimiter implements a fixed-window in-memory rate limiter.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*memoryEntry
	hits     int
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*memoryEntry),
	}
}

// Allow checks whether the hit fits in the current window for key.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	idx, reset := windowStart(now, window)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits++
	if l.hits >= sweepEvery {
		l.hits = 0
		l.sweep(idx)
	}
	entry := l.counters[key]
	if entry == nil {
		entry = &memoryEntry{window: idx}
		l.counters[key] = entry
	}
	if entry.window != idx {
		entry.window = idx
		entry.count = 0
	}
	if entry.count >= limit {
		return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
	}
	entry.count++
	return Result{Allowed: true, Remaining: limit - entry.count, Reset: reset}, nil
}

// sweep drops counters from earlier windows. Riders leave sessions, so keys
// would otherwise accumulate for the life of the process.
func (l *MemoryLimiter) sweep(current int64) {
	for key, entry := range l.counters {
		if entry.window < current {
			delete(l.counters, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
