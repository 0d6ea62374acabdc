package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/veilchat/backend/internal/metrics"
)

// RateLimiter enforces a fixed window per (userId, route). Windows are swept
// lazily: a sweep runs inline at most once per sweepEvery, so an idle limiter
// costs nothing.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	limit      int
	windowSize time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time

	metrics *metrics.Metrics
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// RateLimitConfig tunes the limiter. Zero values take the defaults:
// 100 requests per 60s window, sweep every 5 minutes.
type RateLimitConfig struct {
	Limit      int
	Window     time.Duration
	SweepEvery time.Duration
	Metrics    *metrics.Metrics
}

// NewRateLimiter builds a limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.SweepEvery < 5*time.Minute {
		cfg.SweepEvery = 5 * time.Minute
	}
	return &RateLimiter{
		windows:    make(map[string]*window),
		limit:      cfg.Limit,
		windowSize: cfg.Window,
		sweepEvery: cfg.SweepEvery,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// Allow consumes one slot for the key. When the window is exhausted it
// returns false and the remaining time until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.maybeSweep(now)

	win, ok := rl.windows[key]
	if !ok || !now.Before(win.resetAt) {
		rl.windows[key] = &window{count: 1, resetAt: now.Add(rl.windowSize)}
		return true, 0
	}

	win.count++
	if win.count > rl.limit {
		retryAfter := win.resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}
	return true, 0
}

// maybeSweep drops expired windows. Caller holds the lock.
func (rl *RateLimiter) maybeSweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.sweepEvery {
		return
	}
	rl.lastSweep = now
	for key, win := range rl.windows {
		if !now.Before(win.resetAt) {
			delete(rl.windows, key)
		}
	}
}

// ActiveWindows reports the live window count, for the stats endpoint.
func (rl *RateLimiter) ActiveWindows() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// check applies the limiter inside the authz chain; standalone use goes
// through Middleware below.
func (rl *RateLimiter) check(w http.ResponseWriter, r *http.Request, userID, route string) bool {
	ok, retryAfter := rl.Allow(userID + ":" + route)
	if ok {
		return true
	}
	if rl.metrics != nil {
		rl.metrics.RateLimited.WithLabelValues(route).Inc()
	}
	writeErrorBody(w, r, http.StatusTooManyRequests, ErrorBody{
		Code:         "RATE_LIMITED",
		Message:      "too many requests",
		RetryAfterMs: retryAfter.Milliseconds(),
	})
	return false
}
