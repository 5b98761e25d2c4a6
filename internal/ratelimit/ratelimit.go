// Package ratelimit provides fixed-window request limiters.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
	now         func() time.Time
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return newLimiter(rate, window, time.Now)
}

func newLimiter(rate int, window time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: now(),
		now:         now,
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// idle reports whether the current window ended before t.
func (l *Limiter) idle(t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return t.Sub(l.windowStart) > l.window
}

// Keyed keeps one Limiter per key, such as an agent name or client IP.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     int
	window   time.Duration
	now      func() time.Time
}

// NewKeyed creates a Keyed limiter allowing rate requests per window per key.
func NewKeyed(rate int, window time.Duration) *Keyed {
	return &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		window:   window,
		now:      time.Now,
	}
}

// Allow returns true if key has not exceeded its rate limit.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = newLimiter(k.rate, k.window, k.now)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// Prune removes limiters whose window has expired and returns how many
// were removed.
func (k *Keyed) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	n := 0
	for key, l := range k.limiters {
		if l.idle(now) {
			delete(k.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
