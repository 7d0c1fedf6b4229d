// Package ratelimit provides a per-key minimum-interval limiter. It is
// used to throttle repeated diagnostics (e.g. malformed measurements
// from one source) so a misbehaving producer cannot flood the log.
package ratelimit

import (
	"sync"
	"time"
)

// KeyedLimiter tracks the last permitted event per key.
type KeyedLimiter struct {
	mu          sync.RWMutex
	minInterval time.Duration
	lastAllowed map[string]time.Time
}

func NewKeyedLimiter(minInterval time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		minInterval: minInterval,
		lastAllowed: make(map[string]time.Time),
	}
}

// Allow reports whether an event for key may proceed now, recording the
// time when it may. Never blocks.
func (l *KeyedLimiter) Allow(key string) bool {
	if l.minInterval <= 0 {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.lastAllowed[key]
	if ok && now.Sub(last) < l.minInterval {
		return false
	}
	l.lastAllowed[key] = now
	return true
}

// NextAllowed returns when the next event for key may proceed.
func (l *KeyedLimiter) NextAllowed(key string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	last, ok := l.lastAllowed[key]
	if !ok {
		return time.Now()
	}
	return last.Add(l.minInterval)
}

// Forget drops the state for key.
func (l *KeyedLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastAllowed, key)
}

// Len returns how many keys are currently tracked.
func (l *KeyedLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lastAllowed)
}
