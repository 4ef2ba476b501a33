// Package ratelimit implements the fixed-window, per-wall-clock-second
// limiter used for both the accept-rate and DH-handshake-rate limits
// (§4.7). The window is wall-clock seconds, not monotonic — that is the
// observed behavior this relay preserves deliberately (§9).
package ratelimit

import "sync"

// Limiter allows up to Limit events per Unix second. Limit <= 0 means
// unlimited: Allow always returns true.
type Limiter struct {
	mu          sync.Mutex
	limit       int
	windowStart int64
	count       int
}

// New constructs a Limiter with the given per-second limit.
func New(limit int) *Limiter {
	return &Limiter{limit: limit}
}

// Allow reports whether one more event may proceed at time now, counting
// it against the current Unix-second window if so.
func (l *Limiter) Allow(nowUnix int64) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if nowUnix != l.windowStart {
		l.windowStart = nowUnix
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}

// Limit returns the configured per-second limit (0 or negative means
// unlimited).
func (l *Limiter) Limit() int {
	return l.limit
}
