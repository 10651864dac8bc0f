package devnode

import (
	"sync"
	"time"
)

// RateLimiter caps the envelopes one session may send within a sliding window. It keeps
// the last limit accepted timestamps in a ring, so an event is allowed once the oldest of
// them has left the window.
type RateLimiter struct {
	mu       sync.Mutex
	ring     []time.Time
	next     int
	filled   int
	window   time.Duration
	rejected int
}

// NewRateLimiter falls back to the package defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at now is permitted and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled == len(r.ring) && r.ring[r.next].After(now.Add(-r.window)) {
		r.rejected++
		return false
	}

	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	if r.filled < len(r.ring) {
		r.filled++
	}
	return true
}

// RetryAfter is how long after now the next event would be allowed (zero if it would be now).
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < len(r.ring) {
		return 0
	}
	if d := r.ring[r.next].Add(r.window).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Rejected counts the events Allow refused.
func (r *RateLimiter) Rejected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}
