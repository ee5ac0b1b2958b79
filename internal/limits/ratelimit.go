// Package limits holds client-facing admission controls: per-IP request
// rate limiting and the banned-IP list.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ipTTL is how long an idle IP keeps its limiter before cleanup.
const ipTTL = 5 * time.Minute

// RateLimiter enforces at most max requests per time window per client IP
// using token buckets.
type RateLimiter struct {
	logger zerolog.Logger
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter creates a limiter allowing max requests per window from
// each IP, with bursts up to max.
func NewRateLimiter(logger zerolog.Logger, window time.Duration, max int) *RateLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	rl := &RateLimiter{
		logger:      logger.With().Str("component", "rate_limiter").Logger(),
		limit:       rate.Limit(float64(max) / window.Seconds()),
		burst:       max,
		limiters:    make(map[string]*ipLimiterEntry),
		stopCleanup: make(chan struct{}),
	}

	rl.cleanupTicker = time.NewTicker(time.Minute)
	go rl.cleanupLoop()

	rl.logger.Info().
		Dur("window", window).
		Int("max", max).
		Msg("Rate limiter initialized")
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	rl.mu.Unlock()

	allowed := entry.limiter.Allow()
	if !allowed {
		rl.logger.Debug().Str("ip", ip).Msg("Request rejected: rate limit exceeded")
	}
	return allowed
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			rl.cleanupTicker.Stop()
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range rl.limiters {
		if now.Sub(entry.lastAccess) > ipTTL {
			delete(rl.limiters, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(rl.limiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

// Stop terminates the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}
