package resilience

import (
	"sync"
	"time"
)

// RateLimiter combines a token bucket (smooth, steady-rate admission) with a
// fixed-window counter (hard ceiling per window). The Control Surface's
// Submit handler (spec §6) wraps client-facing task submission with one of
// these to shed load before a task ever reaches the Dispatch Engine's
// priority waiting list — a distinct concern from that waiting list's own
// ordering rules, not a replacement for them.
type RateLimiter struct {
	mu sync.Mutex

	capacity    int64
	fillRate    float64 // tokens per second
	available   float64
	lastRefill  time.Time

	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
}

// NewRateLimiter builds a limiter with both a token bucket (capacity,
// fillRate) and a fixed window cap (windowDur, maxPerWindow).
func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   now,
		windowStart:  now,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow reports whether a single unit of work may proceed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN reports whether n units of work may proceed now, consuming from
// both the token bucket and the window budget if so.
func (r *RateLimiter) AllowN(n int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.refillLocked(now)
	r.rollWindowLocked(now)

	if r.available < float64(n) {
		return false
	}
	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		return false
	}
	r.available -= float64(n)
	r.windowCount += n
	return true
}

// ReserveAfter returns how long the caller must wait before n units would be
// admitted by the token bucket alone (ignores the window cap, which has no
// well-defined "wait until" since it resets in a single step).
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.refillLocked(now)
	if r.available >= float64(n) {
		return 0
	}
	deficit := float64(n) - r.available
	if r.fillRate <= 0 {
		return time.Duration(0)
	}
	seconds := deficit / r.fillRate
	return time.Duration(seconds * float64(time.Second))
}

func (r *RateLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.available = minFloat(float64(r.capacity), r.available+elapsed*r.fillRate)
	r.lastRefill = now
}

func (r *RateLimiter) rollWindowLocked(now time.Time) {
	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
